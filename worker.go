package swcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidTransition is returned when a lifecycle event arrives in a state it can't be applied to
var ErrInvalidTransition = errors.New("invalid worker state transition")

// State is the lifecycle state of a worker
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	//StateRedundant is the final state of a worker whose install or activation failed
	StateRedundant
)

func (state State) String() string {
	switch state {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	}

	return "unknown"
}

// allowedTransitions lists the states reachable from a state, there is no way back
var allowedTransitions = map[State][]State{
	StateParsed:     {StateInstalling},
	StateInstalling: {StateInstalled, StateRedundant},
	StateInstalled:  {StateActivating},
	StateActivating: {StateActivated, StateRedundant},
}

// The Worker receives all events and routes them to one handler per event type.
// Fetch events are only intercepted once the worker is activated, before that every request proceeds unmodified
type Worker struct {

	//Router is the cache router which handles fetch events, it is required
	Router *CacheRouter

	//Clients is optional, if nil claiming clients and opening windows is only logged
	Clients Clients

	//Notifier is optional, if nil notifications are only logged
	Notifier Notifier

	//Forms is optional, if nil there are never pending forms
	Forms FormQueue

	//The Logger which will be used for logging
	// if nil the logger of the router will be used
	Logger *logrus.Logger

	initOnce  sync.Once
	stateLock sync.RWMutex
	state     State
}

func (worker *Worker) init() {
	worker.initOnce.Do(func() {
		worker.Router.init()

		if worker.Logger == nil {
			worker.Logger = worker.Router.Logger
		}

		if worker.Clients == nil {
			worker.Clients = &logClients{logger: worker.Logger}
		}

		if worker.Notifier == nil {
			worker.Notifier = &LogNotifier{Logger: worker.Logger}
		}

		if worker.Forms == nil {
			worker.Forms = emptyFormQueue{}
		}
	})
}

// State returns the current lifecycle state
func (worker *Worker) State() State {
	worker.stateLock.RLock()
	defer worker.stateLock.RUnlock()

	return worker.state
}

func (worker *Worker) transition(to State) error {
	worker.stateLock.Lock()
	defer worker.stateLock.Unlock()

	for _, allowed := range allowedTransitions[worker.state] {
		if allowed == to {
			worker.Logger.WithFields(logrus.Fields{
				"from": worker.state.String(),
				"to":   to.String(),
			}).Debug("Worker state transition")

			worker.state = to
			return nil
		}
	}

	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, worker.state, to)
}

// becomeRedundant moves a worker whose install or activation failed to its final state
func (worker *Worker) becomeRedundant() {
	if err := worker.transition(StateRedundant); err != nil {
		worker.Logger.WithError(err).Error("Worker could not become redundant")
	}
}

// Dispatch routes an event to its handler and blocks until the work of the handler has settled.
// Detached tasks started by a handler, like background refreshes, are not waited for, use Close for that
func (worker *Worker) Dispatch(ctx context.Context, event Event) error {
	worker.init()

	switch event := event.(type) {
	case *InstallEvent:
		return worker.install(ctx)
	case *ActivateEvent:
		return worker.activate(ctx)
	case *FetchEvent:
		worker.fetch(event)
		return nil
	case *MessageEvent:
		worker.message(ctx, event)
		return nil
	case *PushEvent:
		return worker.push(ctx, event)
	case *NotificationClickEvent:
		return worker.notificationClick(ctx, event)
	case *SyncEvent:
		return worker.sync(ctx, event)
	case nil:
		return errors.New("nil event")
	}

	return fmt.Errorf("unknown event type %T", event)
}

// Close waits for all detached tasks of the worker to finish
func (worker *Worker) Close() {
	worker.Router.Wait()
}

// install opens the current bucket and precaches the critical URLs
func (worker *Worker) install(ctx context.Context) error {
	if err := worker.transition(StateInstalling); err != nil {
		return err
	}

	config := worker.Router.Config
	log := worker.Logger.WithField("cache-name", config.CacheName())

	bucketStorage := worker.Router.Storage

	if _, err := bucketStorage.Open(ctx, config.CacheName()); err != nil {
		worker.becomeRedundant()
		return fmt.Errorf("failed to open bucket '%s': %w", config.CacheName(), err)
	}

	if err := worker.precache(ctx); err != nil {
		worker.becomeRedundant()
		return err
	}

	log.Info("Worker installed")

	return worker.transition(StateInstalled)
}

// precache fetches and stores the precache urls.
// Failures are only fatal when the config asks for strict precaching
func (worker *Worker) precache(ctx context.Context) error {
	router := worker.Router
	config := router.Config

	group := &errgroup.Group{}
	if config.PrecacheParallelism > 0 {
		group.SetLimit(config.PrecacheParallelism)
	}

	for _, precacheURL := range config.PrecacheURLs {
		precacheURL := precacheURL

		group.Go(func() error {
			log := worker.Logger.WithField("url", precacheURL)

			err := worker.precacheURL(ctx, precacheURL)
			if err == nil {
				log.Debug("Precached url")
				return nil
			}

			if config.StrictPrecache {
				return fmt.Errorf("failed to precache '%s': %w", precacheURL, err)
			}

			log.WithError(err).Warning("Failed to precache url")
			return nil
		})
	}

	return group.Wait()
}

func (worker *Worker) precacheURL(ctx context.Context, precacheURL string) error {
	router := worker.Router

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, precacheURL, nil)
	if err != nil {
		return err
	}

	//Relative urls are requests for the origin, they are keyed like a request a client sends to us
	if req.URL.Host == "" {
		if router.Forward.Host == "" {
			return errors.New("relative url without an origin host")
		}

		req.Host = router.Forward.Host
	}

	log := worker.Logger.WithField("url", precacheURL)

	response, body, err := router.fetch(ctx, req)
	if err != nil {
		return err
	}

	if !isSuccess(response) {
		return fmt.Errorf("origin returned status %d", response.StatusCode)
	}

	bucket := router.openBucket(ctx, log)
	if bucket == nil {
		return errors.New("bucket unavailable")
	}

	stampResponse(router.Config, response, router.Now())

	entry, err := encodeEntry(response, body)
	if err != nil {
		return err
	}

	return bucket.Put(ctx, getCacheKey(req, router.Forward), bytes.NewReader(entry))
}

// activate deletes every bucket which is not the current one and claims all clients
func (worker *Worker) activate(ctx context.Context) error {
	if err := worker.transition(StateActivating); err != nil {
		return err
	}

	router := worker.Router
	currentName := router.Config.CacheName()

	names, err := router.Storage.Keys(ctx)
	if err != nil {
		worker.becomeRedundant()
		return fmt.Errorf("failed to list buckets: %w", err)
	}

	for _, name := range names {
		if name == currentName {
			continue
		}

		if _, err := router.Storage.Delete(ctx, name); err != nil {
			worker.becomeRedundant()
			return fmt.Errorf("failed to delete stale bucket '%s': %w", name, err)
		}

		router.Metrics.observePurge()
		worker.Logger.WithField("cache-name", name).Info("Deleted stale bucket")
	}

	if err := worker.transition(StateActivated); err != nil {
		return err
	}

	if err := worker.Clients.Claim(ctx); err != nil {
		worker.Logger.WithError(err).Warning("Error while claiming clients")
	}

	worker.Logger.WithField("cache-name", currentName).Info("Worker activated")

	return nil
}

// fetch lets the router handle the request if the worker controls clients
func (worker *Worker) fetch(event *FetchEvent) {
	if event.Request == nil || worker.State() != StateActivated {
		return
	}

	if response, handled := worker.Router.Intercept(event.Request); handled {
		event.respondWith(response)
	}
}

// ClearCache deletes the current bucket. It is successful if the bucket is gone afterwards
func (worker *Worker) ClearCache(ctx context.Context) error {
	worker.init()

	router := worker.Router

	deleted, err := router.Storage.Delete(ctx, router.Config.CacheName())
	if err != nil {
		return fmt.Errorf("failed to delete bucket '%s': %w", router.Config.CacheName(), err)
	}

	if deleted {
		router.Metrics.observePurge()
	}

	worker.Logger.WithFields(logrus.Fields{
		"cache-name": router.Config.CacheName(),
		"existed":    deleted,
	}).Info("Cleared cache")

	return nil
}

// logClients is used when no Clients are configured
type logClients struct {
	logger *logrus.Logger
}

func (clients *logClients) Claim(ctx context.Context) error {
	clients.logger.Debug("Claimed clients")
	return nil
}

func (clients *logClients) OpenWindow(ctx context.Context, url string) error {
	clients.logger.WithField("url", url).Info("Open window")
	return nil
}
