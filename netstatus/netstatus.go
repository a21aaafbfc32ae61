// Package netstatus tracks if the origin server can be reached
package netstatus

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultProbeTimeout    = 3 * time.Second
	DefaultOfflineInterval = 10 * time.Second
	DefaultOnlineInterval  = time.Minute
	DefaultResultTTL       = 5 * time.Second
)

const probeResultKey = "online"

// The Watcher probes the origin with a HEAD request and reports transitions between online and offline
type Watcher struct {

	//ProbeURL is requested with HEAD, any response counts as online
	ProbeURL string

	//The transport used for probing
	// If nil the http.DefaultTransport will be used
	Transport http.RoundTripper

	//ProbeTimeout aborts a probe which takes too long, it then counts as offline
	ProbeTimeout time.Duration

	//OfflineInterval is the time between probes while offline, OnlineInterval while online
	OfflineInterval time.Duration
	OnlineInterval  time.Duration

	//OnChange is called after every transition with the new status
	OnChange func(ctx context.Context, online bool)

	//The Logger which will be used for logging
	// if nil a new logger will be used
	Logger *logrus.Logger

	initOnce sync.Once
	results  *ttlcache.Cache[string, bool]

	statusLock sync.Mutex
	known      bool
	online     bool
}

func (watcher *Watcher) init() {
	watcher.initOnce.Do(func() {
		if watcher.Transport == nil {
			watcher.Transport = http.DefaultTransport
		}

		if watcher.ProbeTimeout <= 0 {
			watcher.ProbeTimeout = DefaultProbeTimeout
		}

		if watcher.OfflineInterval <= 0 {
			watcher.OfflineInterval = DefaultOfflineInterval
		}

		if watcher.OnlineInterval <= 0 {
			watcher.OnlineInterval = DefaultOnlineInterval
		}

		if watcher.Logger == nil {
			watcher.Logger = logrus.New()
		}

		watcher.results = ttlcache.New[string, bool](
			ttlcache.WithTTL[string, bool](DefaultResultTTL),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		)
	})
}

// Online reports if the origin is reachable. A recent probe result is reused
func (watcher *Watcher) Online(ctx context.Context) bool {
	watcher.init()

	if item := watcher.results.Get(probeResultKey); item != nil {
		return item.Value()
	}

	return watcher.Check(ctx)
}

// Check probes the origin, records the result and reports transitions
func (watcher *Watcher) Check(ctx context.Context) bool {
	watcher.init()

	online := watcher.probe(ctx)
	watcher.results.Set(probeResultKey, online, ttlcache.DefaultTTL)

	watcher.statusLock.Lock()
	changed := watcher.known && watcher.online != online
	watcher.known = true
	watcher.online = online
	watcher.statusLock.Unlock()

	if changed {
		watcher.Logger.WithField("online", online).Info("Network status changed")

		if watcher.OnChange != nil {
			watcher.OnChange(ctx, online)
		}
	}

	return online
}

func (watcher *Watcher) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, watcher.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, watcher.ProbeURL, nil)
	if err != nil {
		watcher.Logger.WithError(err).Error("Invalid probe url")
		return false
	}

	req.Header.Set("Cache-Control", "no-cache")

	response, err := watcher.Transport.RoundTrip(req)
	if err != nil {
		watcher.Logger.WithError(err).Debug("Network probe failed")
		return false
	}

	io.Copy(io.Discard, response.Body)
	response.Body.Close()

	return true
}

// Run probes until the context is canceled. While offline the origin is probed more often
func (watcher *Watcher) Run(ctx context.Context) {
	watcher.init()

	for {
		interval := watcher.OnlineInterval
		if !watcher.Check(ctx) {
			interval = watcher.OfflineInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
