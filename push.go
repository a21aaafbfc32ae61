package swcache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PushPayload is the JSON form of a push message. Every field is optional
type PushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	URL   string `json:"url"`
}

// NotificationData is attached to a notification and returned on click
type NotificationData struct {
	URL string `json:"url"`
}

// Notification is a rendered notification
type Notification struct {
	Tag     string           `json:"tag"`
	Title   string           `json:"title"`
	Body    string           `json:"body"`
	Icon    string           `json:"icon"`
	Badge   string           `json:"badge"`
	Vibrate []int            `json:"vibrate,omitempty"`
	Data    NotificationData `json:"data"`
}

// A Notifier displays notifications to the user
type Notifier interface {
	ShowNotification(ctx context.Context, notification *Notification) error
	CloseNotification(ctx context.Context, notification *Notification) error
}

// ParsePushPayload decodes a push payload. If the data is not a JSON object the raw text becomes the body
func ParsePushPayload(data []byte) PushPayload {
	var payload PushPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PushPayload{Body: string(data)}
	}

	return payload
}

// NewNotification renders a payload into a notification, missing fields are taken from the config
func NewNotification(config *WorkerConfig, payload PushPayload) *Notification {
	notification := &Notification{
		Tag:     uuid.NewString(),
		Title:   payload.Title,
		Body:    payload.Body,
		Icon:    payload.Icon,
		Badge:   config.DefaultBadge,
		Vibrate: append([]int(nil), config.DefaultVibrate...),
		Data: NotificationData{
			URL: payload.URL,
		},
	}

	if notification.Title == "" {
		notification.Title = config.DefaultNotificationTitle
	}

	if notification.Icon == "" {
		notification.Icon = config.DefaultIcon
	}

	if notification.Data.URL == "" {
		notification.Data.URL = config.DefaultClickURL
	}

	return notification
}

func (worker *Worker) push(ctx context.Context, event *PushEvent) error {
	if len(strings.TrimSpace(string(event.Data))) == 0 {
		worker.Logger.Debug("Ignoring push without payload")
		return nil
	}

	notification := NewNotification(worker.Router.Config, ParsePushPayload(event.Data))

	if err := worker.Notifier.ShowNotification(ctx, notification); err != nil {
		worker.Logger.WithError(err).Error("Error while showing notification")
		return fmt.Errorf("failed to show notification: %w", err)
	}

	event.Notification = notification

	return nil
}

func (worker *Worker) notificationClick(ctx context.Context, event *NotificationClickEvent) error {
	notification := event.Notification
	if notification == nil {
		notification = &Notification{}
	}

	log := worker.Logger.WithField("tag", notification.Tag)

	if err := worker.Notifier.CloseNotification(ctx, notification); err != nil {
		log.WithError(err).Warning("Error while closing notification")
	}

	target := notification.Data.URL
	if target == "" {
		target = worker.Router.Config.DefaultClickURL
	}

	if err := worker.Clients.OpenWindow(ctx, target); err != nil {
		log.WithError(err).Error("Error while opening window")
		return fmt.Errorf("failed to open '%s': %w", target, err)
	}

	return nil
}

// LogNotifier writes notifications to a logger, it is used when no other notifier is configured
type LogNotifier struct {
	Logger *logrus.Logger
}

func (notifier *LogNotifier) ShowNotification(ctx context.Context, notification *Notification) error {
	notifier.Logger.WithFields(logrus.Fields{
		"tag":   notification.Tag,
		"title": notification.Title,
		"body":  notification.Body,
		"url":   notification.Data.URL,
	}).Info("Notification")

	return nil
}

func (notifier *LogNotifier) CloseNotification(ctx context.Context, notification *Notification) error {
	notifier.Logger.WithField("tag", notification.Tag).Debug("Notification closed")
	return nil
}
