package swcache

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dylandreimerink/swcache/storage"
)

// The CacheRouter decides per intercepted request which caching strategy applies and executes it.
// It is the request-interception engine of the worker, every response it produces comes
// from the current bucket, the network or a synthesized fallback.
type CacheRouter struct {

	//Config is the immutable worker configuration
	// if nil on first usage the config from NewWorkerConfig will be used
	Config *WorkerConfig

	//Storage holds the buckets, the router only ever touches the current bucket
	Storage storage.CacheStorage

	//The transport used to contact the origin server
	// If nil the http.DefaultTransport will be used
	Transport http.RoundTripper

	//The config used to forward requests to the origin server
	// If nil requests are forwarded to the host they were sent to
	Forward *ForwardConfig

	//The Logger which will be used for logging
	// if nil a new logger will be used
	Logger *logrus.Logger

	//Metrics is optional
	Metrics *Metrics

	//Now returns the current time, if nil time.Now is used
	Now func() time.Time

	initOnce   sync.Once
	background taskGroup
}

func (router *CacheRouter) init() {
	router.initOnce.Do(func() {
		if router.Config == nil {
			router.Config = NewWorkerConfig()
		}

		if router.Storage == nil {
			router.Storage = storage.NewInMemoryStorage(128 * 1024 * 1024)
		}

		if router.Transport == nil {
			router.Transport = http.DefaultTransport
		}

		if router.Forward == nil {
			router.Forward = &ForwardConfig{}
		}

		if router.Logger == nil {
			router.Logger = logrus.New()
		}

		if router.Now == nil {
			router.Now = time.Now
		}
	})
}

// Intercept handles a single intercepted request.
// If the returned bool is false the router declined the request and the caller must handle it natively,
// no bucket has been read or written in that case. Otherwise the response is always non-nil.
func (router *CacheRouter) Intercept(req *http.Request) (*http.Response, bool) {
	router.init()

	class := Classify(router.Config, req)

	switch class {
	case ClassImage:
		return router.handleImage(req), true
	case ClassAsset:
		return router.handleAsset(req), true
	case ClassDocument:
		return router.handleGeneric(req), true
	}

	router.Metrics.observeRequest(class, OutcomeBypass)

	return nil, false
}

// Wait blocks until all detached background tasks have finished
func (router *CacheRouter) Wait() {
	router.background.Wait()
}

// handleImage implements the cache-first strategy.
// Images are treated as immutable, a stored image is returned without any freshness check
func (router *CacheRouter) handleImage(req *http.Request) *http.Response {
	ctx := req.Context()
	cacheKey := getCacheKey(req, router.Forward)
	log := router.Logger.WithFields(logrus.Fields{
		"strategy":  "cache-first",
		"cache-key": cacheKey,
	})

	bucket := router.openBucket(ctx, log)

	if cachedResponse := router.match(ctx, log, bucket, cacheKey, req); cachedResponse != nil {
		router.Metrics.observeRequest(ClassImage, OutcomeHit)
		return cachedResponse
	}

	response, body, err := router.fetch(ctx, req)
	if err != nil {
		log.WithError(err).Warning("Error while fetching image")

		router.Metrics.observeRequest(ClassImage, OutcomeFallback)
		return newSyntheticResponse(req, http.StatusNotFound, "Image not available")
	}

	if isSuccess(response) {
		router.put(ctx, log, bucket, cacheKey, response, body)
	}

	router.Metrics.observeRequest(ClassImage, OutcomeNetwork)

	return response
}

// handleAsset implements the network-first strategy for styles and scripts.
// They change with every deploy so the network is preferred, the bucket is the offline copy
func (router *CacheRouter) handleAsset(req *http.Request) *http.Response {
	ctx := req.Context()
	cacheKey := getCacheKey(req, router.Forward)
	log := router.Logger.WithFields(logrus.Fields{
		"strategy":  "network-first",
		"cache-key": cacheKey,
	})

	response, body, err := router.fetch(ctx, req)
	if err == nil {
		if isSuccess(response) {
			router.put(ctx, log, router.openBucket(ctx, log), cacheKey, response, body)
		}

		router.Metrics.observeRequest(ClassAsset, OutcomeNetwork)
		return response
	}

	log.WithError(err).Warning("Error while fetching asset")

	if cachedResponse := router.match(ctx, log, router.openBucket(ctx, log), cacheKey, req); cachedResponse != nil {
		router.Metrics.observeRequest(ClassAsset, OutcomeStale)
		return cachedResponse
	}

	router.Metrics.observeRequest(ClassAsset, OutcomeFallback)
	return newSyntheticResponse(req, http.StatusNotFound, "Asset not available")
}

// handleGeneric implements stale-while-revalidate for documents and everything not matched by another strategy
func (router *CacheRouter) handleGeneric(req *http.Request) *http.Response {
	ctx := req.Context()
	cacheKey := getCacheKey(req, router.Forward)
	log := router.Logger.WithFields(logrus.Fields{
		"strategy":  "stale-while-revalidate",
		"cache-key": cacheKey,
	})

	bucket := router.openBucket(ctx, log)

	if cachedResponse := router.match(ctx, log, bucket, cacheKey, req); cachedResponse != nil {
		if isFresh(router.Config, cachedResponse, router.Now()) {
			router.refreshInBackground(req, cacheKey, cachedResponse)

			router.Metrics.observeRequest(ClassDocument, OutcomeHit)
			return cachedResponse
		}

		//Expired entries are removed before the network is tried so they can never be served again
		if bucket != nil {
			if _, err := bucket.Delete(ctx, cacheKey); err != nil {
				router.Metrics.observeStorageError("delete")
				log.WithError(err).Error("Error while deleting expired entry")
			}
		}
	}

	response, body, err := router.fetch(ctx, req)
	if err == nil {
		if isSuccess(response) {
			stamped := cloneResponse(response, body)
			stampResponse(router.Config, stamped, router.Now())

			router.put(ctx, log, bucket, cacheKey, stamped, body)

			router.Metrics.observeRequest(ClassDocument, OutcomeNetwork)
			return stamped
		}

		router.Metrics.observeRequest(ClassDocument, OutcomeNetwork)
		return response
	}

	log.WithError(err).Warning("Error while fetching document")

	//Stale-if-error, any copy is better than nothing
	if cachedResponse := router.match(ctx, log, bucket, cacheKey, req); cachedResponse != nil {
		router.Metrics.observeRequest(ClassDocument, OutcomeStale)
		return cachedResponse
	}

	if isNavigationRequest(req) {
		if offlineResponse := router.offlineResponse(ctx, log, bucket, req); offlineResponse != nil {
			router.Metrics.observeRequest(ClassDocument, OutcomeOffline)
			return offlineResponse
		}
	}

	router.Metrics.observeRequest(ClassDocument, OutcomeFallback)
	return newSyntheticResponse(req, http.StatusServiceUnavailable, "Please check your network connection")
}

// refreshInBackground starts a detached task which fetches the request again and stores the result with a fresh timestamp.
// The response to the original request never depends on the outcome of this task.
func (router *CacheRouter) refreshInBackground(req *http.Request, cacheKey string, cachedResponse *http.Response) {

	//The caller may consume the cached response while we are refreshing so we take our own copies
	storedHeader := cachedResponse.Header.Clone()
	storedStatus := cachedResponse.StatusCode
	storedBody, err := bufferBody(cachedResponse)
	if err != nil {
		router.Metrics.observeRefresh("skipped")
		return
	}

	//The refresh outlives the request so it must not be canceled with it
	refreshRequest, conditional := makeRevalidationRequest(context.WithoutCancel(req.Context()), req, storedHeader)

	log := router.Logger.WithFields(logrus.Fields{
		"strategy":    "stale-while-revalidate",
		"cache-key":   cacheKey,
		"conditional": conditional,
	})

	router.background.Go(func() {
		ctx, cancel := context.WithTimeout(refreshRequest.Context(), router.Config.RefreshTimeout)
		defer cancel()

		response, body, err := router.fetch(ctx, refreshRequest)
		if err != nil {
			router.Metrics.observeRefresh("failed")
			log.WithError(err).Warning("Error while updating cache in background")
			return
		}

		var stored *http.Response

		switch {
		case response.StatusCode == http.StatusNotModified && conditional:
			//Our copy is still valid, only its headers and timestamp are refreshed
			stored = &http.Response{
				StatusCode: storedStatus,
				Header:     storedHeader,
			}
			mergeValidationHeaders(stored.Header, response.Header)
			body = storedBody

			router.Metrics.observeRefresh("revalidated")

		case isSuccess(response):
			stored = cloneResponse(response, body)

			router.Metrics.observeRefresh("updated")

		default:
			router.Metrics.observeRefresh("failed")
			log.WithField("status", response.StatusCode).Warning("Origin returned an error while updating cache in background")
			return
		}

		stampResponse(router.Config, stored, router.Now())

		router.put(ctx, log, router.openBucket(ctx, log), cacheKey, stored, body)
	})
}

// offlineResponse returns the offline page from the bucket, or the bundled offline document if the page isn't stored.
// The offline page is served with its own status, not a 503
func (router *CacheRouter) offlineResponse(ctx context.Context, log *logrus.Entry, bucket storage.Bucket, req *http.Request) *http.Response {
	if router.Config.OfflineURL != "" {
		offlineRequest := req.Clone(ctx)
		offlineRequest.Method = http.MethodGet
		offlineRequest.URL.Path = router.Config.OfflineURL
		offlineRequest.URL.RawPath = ""
		offlineRequest.URL.RawQuery = ""

		offlineKey := getCacheKey(offlineRequest, router.Forward)
		if cachedResponse := router.match(ctx, log, bucket, offlineKey, req); cachedResponse != nil {
			return cachedResponse
		}
	}

	if len(router.Config.OfflineDocument) == 0 {
		return nil
	}

	response := newSyntheticResponse(req, http.StatusOK, "")
	response.Header.Set("Content-Type", "text/html; charset=utf-8")
	response.Body = nopBody(router.Config.OfflineDocument)
	response.ContentLength = int64(len(router.Config.OfflineDocument))

	return response
}

// fetch sends the request to the network and buffers the body.
// A body which can't be read completely counts as a network failure
func (router *CacheRouter) fetch(ctx context.Context, req *http.Request) (*http.Response, []byte, error) {
	response, err := proxyToOrigin(ctx, router.Transport, router.Forward, req)
	if err != nil {
		return nil, nil, err
	}

	body, err := bufferBody(response)
	if err != nil {
		return nil, nil, err
	}

	response.Request = req

	return response, body, nil
}

// openBucket opens the current bucket. A storage failure is logged and results in a nil bucket
// which behaves as an always empty, read-only bucket
func (router *CacheRouter) openBucket(ctx context.Context, log *logrus.Entry) storage.Bucket {
	bucket, err := router.Storage.Open(ctx, router.Config.CacheName())
	if err != nil {
		router.Metrics.observeStorageError("open")
		log.WithError(err).Error("Error while opening cache bucket")
		return nil
	}

	return bucket
}

// match looks up a stored response. Any error is logged and treated as a miss
func (router *CacheRouter) match(ctx context.Context, log *logrus.Entry, bucket storage.Bucket, cacheKey string, req *http.Request) *http.Response {
	if bucket == nil {
		return nil
	}

	reader, err := bucket.Match(ctx, cacheKey)
	if err != nil {
		router.Metrics.observeStorageError("match")
		log.WithError(err).Error("Error while attempting to find cache key in bucket")
		return nil
	}

	if reader == nil {
		return nil
	}

	defer reader.Close()

	response, err := decodeEntry(reader, req)
	if err != nil {
		router.Metrics.observeStorageError("decode")
		log.WithError(err).Error("Error while decoding stored entry")
		return nil
	}

	return response
}

// put stores a response. Failing to store never fails the response being served
func (router *CacheRouter) put(ctx context.Context, log *logrus.Entry, bucket storage.Bucket, cacheKey string, response *http.Response, body []byte) {
	if bucket == nil {
		return
	}

	if int64(len(body)) > router.Config.MaxEntrySize {
		log.WithField("size", len(body)).Debug("Response too large to store")
		return
	}

	entry, err := encodeEntry(response, body)
	if err != nil {
		router.Metrics.observeStorageError("encode")
		log.WithError(err).Error("Error while encoding response")
		return
	}

	if err := bucket.Put(ctx, cacheKey, bytes.NewReader(entry)); err != nil {
		router.Metrics.observeStorageError("put")
		log.WithError(err).Error("Error while attempting to store response in bucket")
	}
}

// isNavigationRequest reports if the request is a page navigation or accepts html
func isNavigationRequest(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}

	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
