package netstatus

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const probeURL = "http://origin.test/manifest.json"

func TestWatcher_ProbeUsesHead(t *testing.T) {
	transport := httpmock.NewMockTransport()

	var cacheControl string
	transport.RegisterResponder(http.MethodHead, probeURL, func(req *http.Request) (*http.Response, error) {
		cacheControl = req.Header.Get("Cache-Control")
		return httpmock.NewStringResponse(http.StatusOK, ""), nil
	})

	watcher := &Watcher{ProbeURL: probeURL, Transport: transport}

	assert.True(t, watcher.Check(context.Background()))
	assert.Equal(t, "no-cache", cacheControl)
}

func TestWatcher_AnyResponseIsOnline(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodHead, probeURL, httpmock.NewStringResponder(http.StatusInternalServerError, ""))

	watcher := &Watcher{ProbeURL: probeURL, Transport: transport}

	assert.True(t, watcher.Check(context.Background()))
}

func TestWatcher_OnlineReusesResult(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodHead, probeURL, httpmock.NewStringResponder(http.StatusOK, ""))

	watcher := &Watcher{ProbeURL: probeURL, Transport: transport}
	ctx := context.Background()

	assert.True(t, watcher.Online(ctx))
	assert.True(t, watcher.Online(ctx))
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodHead, probeURL, func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	watcher := &Watcher{
		ProbeURL:     probeURL,
		Transport:    transport,
		ProbeTimeout: 10 * time.Millisecond,
	}

	start := time.Now()
	assert.False(t, watcher.Check(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWatcher_OnChange(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodHead, probeURL, httpmock.NewErrorResponder(errors.New("connection refused")))

	var changes []bool
	watcher := &Watcher{
		ProbeURL:  probeURL,
		Transport: transport,
		OnChange: func(ctx context.Context, online bool) {
			changes = append(changes, online)
		},
	}
	ctx := context.Background()

	//The first result is not a transition
	assert.False(t, watcher.Check(ctx))
	assert.False(t, watcher.Check(ctx))
	assert.Empty(t, changes)

	transport.RegisterResponder(http.MethodHead, probeURL, httpmock.NewStringResponder(http.StatusOK, ""))
	assert.True(t, watcher.Check(ctx))

	transport.RegisterResponder(http.MethodHead, probeURL, httpmock.NewErrorResponder(errors.New("connection refused")))
	assert.False(t, watcher.Check(ctx))

	assert.Equal(t, []bool{true, false}, changes)
}

func TestWatcher_RunRecoversWhileOffline(t *testing.T) {
	defer goleak.VerifyNone(t)

	transport := httpmock.NewMockTransport()

	var (
		lock    sync.Mutex
		probes  int
		changed = make(chan bool, 1)
	)

	transport.RegisterResponder(http.MethodHead, probeURL, func(req *http.Request) (*http.Response, error) {
		lock.Lock()
		defer lock.Unlock()

		probes++
		if probes < 3 {
			return nil, errors.New("connection refused")
		}

		return httpmock.NewStringResponse(http.StatusOK, ""), nil
	})

	watcher := &Watcher{
		ProbeURL:        probeURL,
		Transport:       transport,
		OfflineInterval: time.Millisecond,
		OnlineInterval:  time.Hour,
		OnChange: func(ctx context.Context, online bool) {
			changed <- online
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		watcher.Run(ctx)
		close(done)
	}()

	select {
	case online := <-changed:
		assert.True(t, online)
	case <-time.After(5 * time.Second):
		require.Fail(t, "watcher did not report the origin coming back")
	}

	cancel()
	<-done
}
