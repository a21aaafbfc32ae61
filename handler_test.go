package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorker_ServeHTTP(t *testing.T) {
	worker := newTestWorker(t)
	worker.start(t)

	worker.router.transport.RegisterResponder(http.MethodGet, origin+"/style.css", func(req *http.Request) (*http.Response, error) {
		response := httpmock.NewStringResponse(http.StatusOK, "body{}")
		response.Header.Set("Content-Type", "text/css")
		response.Header.Set("Connection", "close")
		return response, nil
	})

	recorder := httptest.NewRecorder()
	worker.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, origin+"/style.css", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "body{}", recorder.Body.String())
	assert.Equal(t, "text/css", recorder.Header().Get("Content-Type"))
	assert.Empty(t, recorder.Header().Get("Connection"))
}

func TestWorker_ServeHTTPPassThrough(t *testing.T) {
	worker := newTestWorker(t)
	worker.start(t)

	var received string
	worker.router.transport.RegisterResponder(http.MethodPost, origin+"/api/comments", func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		received = string(body)
		return httpmock.NewStringResponse(http.StatusCreated, "created"), err
	})

	recorder := httptest.NewRecorder()
	worker.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, origin+"/api/comments", strings.NewReader("text=hi")))

	assert.Equal(t, http.StatusCreated, recorder.Code)
	assert.Equal(t, "created", recorder.Body.String())
	assert.Equal(t, "text=hi", received)

	_, _, found := worker.router.stored(t, "/api/comments")
	assert.False(t, found)
}

func TestWorker_ServeHTTPOriginUnreachable(t *testing.T) {
	worker := newTestWorker(t)
	worker.start(t)
	worker.router.failNetwork()

	recorder := httptest.NewRecorder()
	worker.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, origin+"/api/state", nil))
	assert.Equal(t, http.StatusBadGateway, recorder.Code)

	//Intercepted requests degrade instead
	recorder = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, origin+"/unknown-page", nil)
	req.Header.Set("Accept", "text/html")
	worker.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "offline page", recorder.Body.String())
}

func TestWorker_ServeHTTPPublicHostOffline(t *testing.T) {
	worker := newTestWorker(t)
	worker.start(t)
	worker.router.failNetwork()

	//Behind a reverse proxy clients use the public host, not the origin host the pages were precached under
	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Host = "truyenfull.example"
		req.Header.Set("Accept", "text/html")

		recorder := httptest.NewRecorder()
		worker.ServeHTTP(recorder, req)
		return recorder
	}

	recorder := send("/")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "home", recorder.Body.String())

	recorder = send("/novel/chapter-9")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "offline page", recorder.Body.String())
}

func TestAdminHandler_Authentication(t *testing.T) {
	worker := newTestWorker(t)
	admin := NewAdminHandler(worker.Worker, "s3cret", nil)

	recorder := httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

type staticOnline bool

func (online staticOnline) Online(ctx context.Context) bool { return bool(online) }

func TestAdminHandler_Status(t *testing.T) {
	worker := newTestWorker(t)
	worker.start(t)
	admin := NewAdminHandler(worker.Worker, "", staticOnline(false))

	recorder := httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var status struct {
		State   string   `json:"state"`
		Cache   string   `json:"cache"`
		Buckets []string `json:"buckets"`
		Online  *bool    `json:"online"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))

	assert.Equal(t, "activated", status.State)
	assert.Equal(t, "pwa-cache-v1.7.3", status.Cache)
	assert.Equal(t, []string{"pwa-cache-v1.7.3"}, status.Buckets)
	require.NotNil(t, status.Online)
	assert.False(t, *status.Online)
}

func TestAdminHandler_ClearCacheMessage(t *testing.T) {
	worker := newTestWorker(t)
	worker.start(t)
	admin := NewAdminHandler(worker.Worker, "", nil)

	recorder := httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(`{"type":"CLEAR_CACHE"}`)))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"success":true}`, recorder.Body.String())

	_, _, found := worker.router.stored(t, "/")
	assert.False(t, found)

	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/message", strings.NewReader(`{"type":"PING"}`)))
	assert.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/message", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestAdminHandler_Push(t *testing.T) {
	worker := newTestWorker(t)
	admin := NewAdminHandler(worker.Worker, "", nil)

	recorder := httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(`{"title":"Hi","url":"/x"}`)))
	require.Equal(t, http.StatusOK, recorder.Code)

	var notification Notification
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &notification))
	assert.Equal(t, "Hi", notification.Title)
	assert.Equal(t, "/x", notification.Data.URL)

	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/push", nil))
	assert.Equal(t, http.StatusNoContent, recorder.Code)

	worker.notifier.err = errors.New("unavailable")
	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/push", strings.NewReader("text")))
	assert.Equal(t, http.StatusBadGateway, recorder.Code)
}

func TestAdminHandler_FormsAndSync(t *testing.T) {
	worker := newTestWorker(t)
	admin := NewAdminHandler(worker.Worker, "", nil)
	worker.router.transport.RegisterResponder(http.MethodPost, origin+"/contact", httpmock.NewStringResponder(http.StatusOK, ""))

	recorder := httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/forms", strings.NewReader(`{"url":"/contact","body":"name=a"}`)))
	require.Equal(t, http.StatusCreated, recorder.Code)
	assert.JSONEq(t, `{"id":"form-a"}`, recorder.Body.String())

	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/forms", strings.NewReader(`{"body":"name=a"}`)))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/sync", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"tag":"form-submission","replayed":1,"failed":0}`, recorder.Body.String())
	assert.Empty(t, worker.forms.forms)

	recorder = httptest.NewRecorder()
	admin.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/sync?tag=other", nil))
	assert.JSONEq(t, `{"tag":"other","replayed":0,"failed":0}`, recorder.Body.String())
}
