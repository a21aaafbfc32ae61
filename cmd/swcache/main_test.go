package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dylandreimerink/swcache/storage"
	"github.com/jarcoal/httpmock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const origin = "http://origin.test"

func testViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.Set("forward_config.origin", "origin.test")
	v.Set("worker_config.precache_urls", []string{"/"})
	return v
}

func testConfig(t *testing.T, v *viper.Viper) *Config {
	config, err := loadConfig(v)
	require.NoError(t, err)
	return config
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestApp(t *testing.T, config *Config) (*app, *httpmock.MockTransport) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, origin+"/", httpmock.NewStringResponder(http.StatusOK, "home"))
	transport.RegisterResponder(http.MethodHead, origin+"/", httpmock.NewStringResponder(http.StatusOK, ""))

	a, err := newApp(config, testLogger(), transport)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NoError(t, a.boot(context.Background()))

	return a, transport
}

func TestWorkerConfig_Defaults(t *testing.T) {
	config := testConfig(t, testViper())

	workerConfig, err := config.WorkerConfig.toRealWorkerConfig()
	require.NoError(t, err)

	assert.Equal(t, "pwa-cache-v1.7.3", workerConfig.CacheName())
	assert.Equal(t, 300*time.Second, workerConfig.FreshnessWindow)
	assert.Equal(t, 30*time.Second, workerConfig.RefreshTimeout)
	assert.Equal(t, []string{"/"}, workerConfig.PrecacheURLs)
	assert.NotEmpty(t, workerConfig.OfflineDocument)
}

func TestWorkerConfig_Conversion(t *testing.T) {
	offlineDocument := filepath.Join(t.TempDir(), "offline.html")
	require.NoError(t, os.WriteFile(offlineDocument, []byte("<p>offline</p>"), 0o600))

	v := testViper()
	v.Set("worker_config.version", "2.0.0")
	v.Set("worker_config.freshness_window", "1m")
	v.Set("worker_config.image_extensions", []string{".PNG", " Jpg ", ""})
	v.Set("worker_config.offline_document", offlineDocument)

	workerConfig, err := testConfig(t, v).WorkerConfig.toRealWorkerConfig()
	require.NoError(t, err)

	assert.Equal(t, "pwa-cache-v2.0.0", workerConfig.CacheName())
	assert.Equal(t, time.Minute, workerConfig.FreshnessWindow)
	assert.Equal(t, []string{"png", "jpg"}, workerConfig.ImageExtensions)
	assert.Equal(t, "<p>offline</p>", string(workerConfig.OfflineDocument))
}

func TestWorkerConfig_Invalid(t *testing.T) {
	v := testViper()
	v.Set("worker_config.freshness_window", "soon")
	_, err := testConfig(t, v).WorkerConfig.toRealWorkerConfig()
	assert.ErrorContains(t, err, "freshness_window")

	v = testViper()
	v.Set("worker_config.freshness_window", "0s")
	_, err = testConfig(t, v).WorkerConfig.toRealWorkerConfig()
	assert.Error(t, err)

	v = testViper()
	v.Set("worker_config.offline_document", filepath.Join(t.TempDir(), "missing.html"))
	_, err = testConfig(t, v).WorkerConfig.toRealWorkerConfig()
	assert.ErrorContains(t, err, "offline_document")
}

func TestStorageConfig_OpenStorage(t *testing.T) {
	memory, err := (&StorageConfig{Driver: "memory", MaxBucketSize: 1024}).openStorage()
	require.NoError(t, err)
	assert.IsType(t, &storage.InMemoryStorage{}, memory)

	bolt, err := (&StorageConfig{Driver: "Bolt", BoltPath: filepath.Join(t.TempDir(), "cache.db")}).openStorage()
	require.NoError(t, err)
	assert.IsType(t, &storage.BoltStorage{}, bolt)
	assert.NoError(t, bolt.Close())

	_, err = (&StorageConfig{Driver: "bolt"}).openStorage()
	assert.Error(t, err)

	_, err = (&StorageConfig{Driver: "floppy"}).openStorage()
	assert.ErrorContains(t, err, "floppy")
}

func TestInitConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(strings.Join([]string{
		"listen_config:",
		"  address: 127.0.0.1:9000",
		"worker_config:",
		"  version: 3.1.0",
		"storage_config:",
		"  driver: bolt",
	}, "\n")), 0o600))

	t.Setenv("SWCACHE_STORAGE_CONFIG_DRIVER", "memory")

	v := viper.New()
	setDefaults(v)
	v.Set("config", configPath)
	require.NoError(t, initConfig(v))

	config := testConfig(t, v)
	assert.Equal(t, "127.0.0.1:9000", config.ListenConfig.ListenAddress)
	assert.Equal(t, "3.1.0", config.WorkerConfig.Version)
	assert.Equal(t, "memory", config.StorageConfig.Driver, "Environment overrides the config file")
	assert.Equal(t, "pwa-cache", config.WorkerConfig.CachePrefix)
}

func TestBindFlags(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	flags := pflag.NewFlagSet("swcache", pflag.ContinueOnError)
	flags.String("listen", "", "")
	flags.String("origin", "", "")
	bindFlags(v, flags, map[string]string{
		"listen": "listen_config.address",
		"origin": "forward_config.origin",
	})

	require.NoError(t, flags.Parse([]string{"--origin", "example.org"}))

	config := testConfig(t, v)
	assert.Equal(t, "example.org", config.ForwardConfig.Origin)
	assert.Equal(t, ":8080", config.ListenConfig.ListenAddress, "Unset flags keep the default")
}

func TestRootCommand_Version(t *testing.T) {
	cmd := newRootCommand()

	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestNewTransport(t *testing.T) {
	_, err := newTransport(ForwardConfig{EnableHTTP2: true})
	assert.Error(t, err, "HTTP2 without tls is rejected")

	transport, err := newTransport(ForwardConfig{EnableTLS: true, EnableHTTP2: true})
	if err != nil {
		t.Skipf("no system cert pool: %s", err)
	}
	assert.NotNil(t, transport)
}

func TestApp_Routes(t *testing.T) {
	a, transport := newTestApp(t, testConfig(t, testViper()))
	transport.RegisterResponder(http.MethodGet, origin+"/style.css", httpmock.NewStringResponder(http.StatusOK, "body{}"))

	recorder := httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/style.css", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "body{}", recorder.Body.String())

	recorder = httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/_sw/status", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var status struct {
		State   string   `json:"state"`
		Buckets []string `json:"buckets"`
		Online  bool     `json:"online"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	assert.Equal(t, "activated", status.State)
	assert.Equal(t, []string{"pwa-cache-v1.7.3"}, status.Buckets)
	assert.True(t, status.Online)

	recorder = httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), `swcache_requests_total{class="asset",outcome="network"} 1`)
}

func TestApp_AdminSecretAndMetricsSwitch(t *testing.T) {
	v := testViper()
	v.Set("listen_config.admin_secret", "s3cret")
	v.Set("listen_config.metrics", false)
	a, _ := newTestApp(t, testConfig(t, v))

	recorder := httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/_sw/status", nil))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	//Without the metrics endpoint the request is an ordinary fetch to the origin
	recorder = httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.NotContains(t, recorder.Body.String(), "swcache_requests_total")
}

func TestApp_ReplaysFormsWhenBackOnline(t *testing.T) {
	v := testViper()
	v.Set("form_queue_path", filepath.Join(t.TempDir(), "forms"))
	a, transport := newTestApp(t, testConfig(t, v))

	var received string
	transport.RegisterResponder(http.MethodPost, origin+"/contact", func(req *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(req.Body)
		received = string(body)
		return httpmock.NewStringResponse(http.StatusOK, ""), err
	})

	recorder := httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/_sw/forms", strings.NewReader(`{"url":"/contact","body":"name=a"}`)))
	require.Equal(t, http.StatusCreated, recorder.Code)

	a.networkChanged(context.Background(), false)
	assert.Empty(t, received)

	a.networkChanged(context.Background(), true)
	assert.Equal(t, "name=a", received)

	forms, err := a.worker.Forms.GetPendingForms(context.Background())
	require.NoError(t, err)
	assert.Empty(t, forms)
}

func TestNewApp_InvalidStorage(t *testing.T) {
	v := testViper()
	v.Set("storage_config.driver", "floppy")

	_, err := newApp(testConfig(t, v), testLogger(), httpmock.NewMockTransport())
	assert.Error(t, err)
}
