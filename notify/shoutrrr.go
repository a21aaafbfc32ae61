// Package notify delivers worker notifications to external services and feeds push messages into the worker
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/types"
	"github.com/sirupsen/logrus"

	"github.com/dylandreimerink/swcache"
)

// sender is the part of the shoutrrr router we use
type sender interface {
	Send(message string, params *types.Params) []error
}

// Shoutrrr renders notifications to one or more shoutrrr service urls
type Shoutrrr struct {
	sender sender
	logger *logrus.Logger
}

// NewShoutrrr creates a notifier for the service urls, like "ntfy://host/topic" or "generic+https://host/hook"
func NewShoutrrr(logger *logrus.Logger, urls ...string) (*Shoutrrr, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one service url is required")
	}

	router, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("invalid notification service url: %w", err)
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &Shoutrrr{sender: router, logger: logger}, nil
}

// ShowNotification sends the notification to every service
func (notifier *Shoutrrr) ShowNotification(ctx context.Context, notification *swcache.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := types.Params{}
	params.SetTitle(notification.Title)

	errs := notifier.sender.Send(renderMessage(notification), &params)

	var sendErrors []error
	for _, err := range errs {
		if err != nil {
			sendErrors = append(sendErrors, err)
		}
	}

	if len(sendErrors) > 0 {
		return fmt.Errorf("failed to deliver notification '%s': %w", notification.Tag, errors.Join(sendErrors...))
	}

	notifier.logger.WithField("tag", notification.Tag).Debug("Notification delivered")

	return nil
}

// CloseNotification is a no-op, delivered messages can't be retracted
func (notifier *Shoutrrr) CloseNotification(ctx context.Context, notification *swcache.Notification) error {
	return nil
}

// renderMessage renders the body of the notification followed by its link
func renderMessage(notification *swcache.Notification) string {
	var message strings.Builder

	message.WriteString(notification.Body)

	if notification.Data.URL != "" {
		if message.Len() > 0 {
			message.WriteString("\n\n")
		}
		message.WriteString(notification.Data.URL)
	}

	return message.String()
}
