package swcache

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

//go:embed offline.html
var defaultOfflineDocument []byte

// WorkerConfig defines how the worker and its cache router behave.
// A WorkerConfig is built once when the worker boots and must not be modified afterwards,
// all components hold a pointer to the same value for the lifetime of the worker.
type WorkerConfig struct {

	//CachePrefix and Version together form the name of the current cache bucket.
	// Bumping the version creates a new generation, older generations are purged on activation
	CachePrefix string
	Version     string

	//FreshnessWindow is how long a document entry may be served without revalidation.
	// Images and assets are not subject to the freshness window
	FreshnessWindow time.Duration

	//TimestampHeader is the header injected into stored document responses.
	// Its value is the moment of storage in unix milliseconds
	TimestampHeader string

	//PrecacheURLs are fetched and stored during install.
	// Relative URLs are resolved against the forward config of the router
	PrecacheURLs []string

	//If StrictPrecache is true a single failing precache URL aborts the install.
	// By default precaching is best-effort
	StrictPrecache bool

	//PrecacheParallelism limits the amount of concurrent precache fetches
	PrecacheParallelism int

	//OfflineURL is the cache key of the offline page, OfflineDocument is the bundled copy
	// which is served when the offline page is not in the bucket
	OfflineURL      string
	OfflineDocument []byte

	//Lowercase file extensions without the leading dot
	ImageExtensions []string
	AssetExtensions []string

	//Requests matching one of the exclusion rules are never intercepted
	ExcludedPathPrefixes   []string
	ExcludedHostSubstrings []string
	ExcludedSchemes        []string

	//RefreshTimeout bounds a detached background refresh
	RefreshTimeout time.Duration

	//MaxEntrySize is the maximum body size in bytes of a response which will be stored.
	// Larger responses are still served
	MaxEntrySize int64

	DefaultNotificationTitle string
	DefaultIcon              string
	DefaultBadge             string
	DefaultVibrate           []int
	DefaultClickURL          string
}

// NewWorkerConfig creates a WorkerConfig with the defaults of the hosted site
func NewWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		CachePrefix:     "pwa-cache",
		Version:         "1.7.3",
		FreshnessWindow: 300 * time.Second,
		TimestampHeader: "X-Cache-Timestamp",

		PrecacheURLs: []string{
			"/",
			"/offline/",
			"https://cdn.jsdelivr.net/",
			"/manifest.json",
		},
		PrecacheParallelism: 4,

		OfflineURL:      "/offline/",
		OfflineDocument: defaultOfflineDocument,

		ImageExtensions: []string{"jpg", "jpeg", "png", "gif", "webp", "svg", "ico"},
		AssetExtensions: []string{"css", "js"},

		ExcludedPathPrefixes:   []string{"/api", "/ajax", "/wp-json", "/wp-admin", "/wp-ajax", "/wp-login"},
		ExcludedHostSubstrings: []string{"umami", "spreadsheets", "google-analytics", "googletagmanager"},
		ExcludedSchemes:        []string{"chrome-extension", "moz-extension", "safari-web-extension"},

		RefreshTimeout: 30 * time.Second,
		MaxEntrySize:   10 * 1024 * 1024,

		DefaultNotificationTitle: "New notification",
		DefaultIcon:              "https://cdn.jsdelivr.net/gh/gh-jsr/truyenfull.tech@2.0.0/favicons/favicon-192x192.png",
		DefaultBadge:             "https://cdn.jsdelivr.net/gh/gh-jsr/truyenfull.tech@2.0.0/favicons/favicon-96x96.png",
		DefaultVibrate:           []int{100, 50, 100},
		DefaultClickURL:          "/",
	}
}

// CacheName returns the version qualified name of the current bucket
func (config *WorkerConfig) CacheName() string {
	return config.CachePrefix + "-v" + config.Version
}

// Validate checks the config for values the worker can't operate with
func (config *WorkerConfig) Validate() error {
	if config.CachePrefix == "" || config.Version == "" {
		return errors.New("cache prefix and version must not be empty")
	}

	if config.FreshnessWindow <= 0 {
		return fmt.Errorf("freshness window must be positive, got %s", config.FreshnessWindow)
	}

	if config.TimestampHeader == "" {
		return errors.New("timestamp header must not be empty")
	}

	if config.OfflineURL != "" && !strings.HasPrefix(config.OfflineURL, "/") {
		return fmt.Errorf("offline url '%s' must be an absolute path", config.OfflineURL)
	}

	if config.MaxEntrySize <= 0 {
		return fmt.Errorf("max entry size must be positive, got %d", config.MaxEntrySize)
	}

	return nil
}

// ForwardConfig determines how requests are forwarded to the origin server
type ForwardConfig struct {
	//Host is the hostname and optional port of the origin.
	// If empty the Host of the intercepted request is used (forward proxy mode)
	Host string

	//If TLS is true https is used to contact the origin
	TLS bool
}

// isCacheableMethod reports if a response to the given method may ever enter a bucket.
// Entries for non-GET methods are never created or read
func isCacheableMethod(method string) bool {
	return method == http.MethodGet
}
