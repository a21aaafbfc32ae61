package swcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/dylandreimerink/swcache/storage"
)

const origin = "http://origin.test"

// spyStorage counts every bucket operation of the storage it wraps
type spyStorage struct {
	storage.CacheStorage

	opens   atomic.Int32
	matches atomic.Int32
	puts    atomic.Int32
	deletes atomic.Int32

	//failDelete makes entry deletes fail
	failDelete atomic.Bool
	//failKeys makes listing the buckets fail
	failKeys atomic.Bool
}

func (spy *spyStorage) Open(ctx context.Context, name string) (storage.Bucket, error) {
	spy.opens.Add(1)

	bucket, err := spy.CacheStorage.Open(ctx, name)
	if err != nil {
		return nil, err
	}

	return &spyBucket{Bucket: bucket, spy: spy}, nil
}

func (spy *spyStorage) Keys(ctx context.Context) ([]string, error) {
	if spy.failKeys.Load() {
		return nil, errors.New("storage is unavailable")
	}
	return spy.CacheStorage.Keys(ctx)
}

func (spy *spyStorage) operations() int32 {
	return spy.opens.Load() + spy.matches.Load() + spy.puts.Load() + spy.deletes.Load()
}

type spyBucket struct {
	storage.Bucket
	spy *spyStorage
}

func (bucket *spyBucket) Match(ctx context.Context, key string) (io.ReadCloser, error) {
	bucket.spy.matches.Add(1)
	return bucket.Bucket.Match(ctx, key)
}

func (bucket *spyBucket) Put(ctx context.Context, key string, entry io.Reader) error {
	bucket.spy.puts.Add(1)
	return bucket.Bucket.Put(ctx, key, entry)
}

func (bucket *spyBucket) Delete(ctx context.Context, key string) (bool, error) {
	bucket.spy.deletes.Add(1)
	if bucket.spy.failDelete.Load() {
		return false, errors.New("storage is read-only")
	}
	return bucket.Bucket.Delete(ctx, key)
}

// testClock is a clock which only moves when told to
type testClock struct {
	lock sync.Mutex
	now  time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *testClock) Now() time.Time {
	clock.lock.Lock()
	defer clock.lock.Unlock()
	return clock.now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.lock.Lock()
	defer clock.lock.Unlock()
	clock.now = clock.now.Add(duration)
}

type testRouter struct {
	*CacheRouter

	transport *httpmock.MockTransport
	storage   *spyStorage
	clock     *testClock
	metrics   *Metrics
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	spy := &spyStorage{CacheStorage: storage.NewInMemoryStorage(1024 * 1024)}
	transport := httpmock.NewMockTransport()
	clock := newTestClock()

	router := &CacheRouter{
		Config:    NewWorkerConfig(),
		Storage:   spy,
		Transport: transport,
		Forward:   &ForwardConfig{Host: "origin.test"},
		Logger:    logger,
		Metrics:   metrics,
		Now:       clock.Now,
	}

	//No refresh may outlive its test
	t.Cleanup(router.Wait)

	return &testRouter{
		CacheRouter: router,
		transport:   transport,
		storage:     spy,
		clock:       clock,
		metrics:     metrics,
	}
}

// do intercepts a GET request for the path and returns the response with its body
func (router *testRouter) do(t *testing.T, method, path string, header http.Header) (*http.Response, string, bool) {
	t.Helper()

	req := httptest.NewRequest(method, origin+path, nil)
	for key, values := range header {
		req.Header[key] = values
	}

	response, handled := router.Intercept(req)
	if !handled {
		return nil, "", false
	}

	require.NotNil(t, response)
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	response.Body.Close()

	return response, string(body), true
}

func (router *testRouter) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()

	response, body, handled := router.do(t, http.MethodGet, path, nil)
	require.True(t, handled, "GET %s should be intercepted", path)

	return response, body
}

// stored returns the body of the entry for the path in the current bucket, if any
func (router *testRouter) stored(t *testing.T, path string) (*http.Response, string, bool) {
	t.Helper()

	ctx := context.Background()
	bucket, err := router.storage.CacheStorage.Open(ctx, router.Config.CacheName())
	require.NoError(t, err)

	reader, err := bucket.Match(ctx, http.MethodGet+origin+path)
	require.NoError(t, err)
	if reader == nil {
		return nil, "", false
	}
	defer reader.Close()

	response, err := decodeEntry(reader, nil)
	require.NoError(t, err)

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)

	return response, string(body), true
}

// failNetwork makes every origin request fail like an unreachable network
func (router *testRouter) failNetwork() {
	router.transport.Reset()
	router.transport.ZeroCallCounters()
	router.transport.RegisterNoResponder(httpmock.NewErrorResponder(errors.New("dial tcp: network is unreachable")))
}
