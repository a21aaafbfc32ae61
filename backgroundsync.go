package swcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SyncTagFormSubmission is the sync tag which replays deferred form submissions
const SyncTagFormSubmission = "form-submission"

// PendingForm is a form submission which could not be sent while offline
type PendingForm struct {
	ID       string            `json:"id"`
	URL      string            `json:"url"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     string            `json:"body"`
	QueuedAt time.Time         `json:"queuedAt"`
}

// FormQueue stores deferred form submissions
type FormQueue interface {
	AddPendingForm(ctx context.Context, form PendingForm) (string, error)

	//GetPendingForms returns all pending forms in the order they were added
	GetPendingForms(ctx context.Context) ([]PendingForm, error)

	RemovePendingForm(ctx context.Context, id string) error
}

// sync handles a SyncEvent. Only the form submission tag is known, others are ignored
func (worker *Worker) sync(ctx context.Context, event *SyncEvent) error {
	if event.Tag != SyncTagFormSubmission {
		worker.Logger.WithField("tag", event.Tag).Debug("Ignoring unknown sync tag")
		return nil
	}

	forms, err := worker.Forms.GetPendingForms(ctx)
	if err != nil {
		worker.Logger.WithError(err).Error("Error while reading pending forms")
		return nil
	}

	for _, form := range forms {
		log := worker.Logger.WithFields(logrus.Fields{
			"id":  form.ID,
			"url": form.URL,
		})

		if err := worker.replayForm(ctx, form); err != nil {
			//The form stays queued, the next sync will try again
			event.Failed++
			log.WithError(err).Warning("Error while replaying form submission")
			continue
		}

		if err := worker.Forms.RemovePendingForm(ctx, form.ID); err != nil {
			log.WithError(err).Error("Error while removing replayed form")
		}

		event.Replayed++
		log.Info("Replayed form submission")
	}

	return nil
}

func (worker *Worker) replayForm(ctx context.Context, form PendingForm) error {
	router := worker.Router

	method := form.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, form.URL, strings.NewReader(form.Body))
	if err != nil {
		return err
	}

	if req.URL.Host == "" {
		if router.Forward.Host == "" {
			return errors.New("relative url without an origin host")
		}

		req.Host = router.Forward.Host
	}

	for name, value := range form.Headers {
		req.Header.Set(name, value)
	}

	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	response, err := proxyToOrigin(ctx, router.Transport, router.Forward, req)
	if err != nil {
		return err
	}

	io.Copy(io.Discard, response.Body)
	response.Body.Close()

	if !isSuccess(response) {
		return fmt.Errorf("origin returned status %d", response.StatusCode)
	}

	return nil
}

// emptyFormQueue is used when no queue is configured, it never holds forms
type emptyFormQueue struct{}

func (emptyFormQueue) AddPendingForm(ctx context.Context, form PendingForm) (string, error) {
	return "", errors.New("no form queue configured")
}

func (emptyFormQueue) GetPendingForms(ctx context.Context) ([]PendingForm, error) {
	return nil, nil
}

func (emptyFormQueue) RemovePendingForm(ctx context.Context, id string) error {
	return nil
}
