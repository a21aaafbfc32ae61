package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dylandreimerink/swcache"
	"github.com/dylandreimerink/swcache/storage"
	"github.com/spf13/viper"
)

// Config is the structure for the configuration file
type Config struct {
	//WorkerConfig determins how the worker and its cache behave
	WorkerConfig WorkerConfig `mapstructure:"worker_config"`

	//ListenConfig determins how the http server part of the worker behaves
	ListenConfig ListenConfig `mapstructure:"listen_config"`

	//ForwardConfig determins how the http client part of the worker behaves
	ForwardConfig ForwardConfig `mapstructure:"forward_config"`

	StorageConfig StorageConfig `mapstructure:"storage_config"`

	NotifyConfig NotifyConfig `mapstructure:"notify_config"`

	//FormQueuePath is the directory of the leveldb form queue, if empty deferred forms are not supported
	FormQueuePath string `mapstructure:"form_queue_path"`

	//NetworkConfig configures the probe which detects when the origin comes back online
	NetworkConfig NetworkConfig `mapstructure:"network_config"`

	LogLevel string `mapstructure:"log_level"`
}

type WorkerConfig struct {
	CachePrefix string `mapstructure:"cache_prefix"`
	Version     string `mapstructure:"version"`

	//FreshnessWindow is a duration string like "5m"
	FreshnessWindow string `mapstructure:"freshness_window"`

	TimestampHeader string `mapstructure:"timestamp_header"`

	PrecacheURLs        []string `mapstructure:"precache_urls"`
	StrictPrecache      bool     `mapstructure:"strict_precache"`
	PrecacheParallelism int      `mapstructure:"precache_parallelism"`

	OfflineURL string `mapstructure:"offline_url"`

	//OfflineDocumentPath replaces the bundled offline document
	OfflineDocumentPath string `mapstructure:"offline_document"`

	ImageExtensions []string `mapstructure:"image_extensions"`
	AssetExtensions []string `mapstructure:"asset_extensions"`

	ExcludedPathPrefixes   []string `mapstructure:"excluded_path_prefixes"`
	ExcludedHostSubstrings []string `mapstructure:"excluded_host_substrings"`
	ExcludedSchemes        []string `mapstructure:"excluded_schemes"`

	RefreshTimeout string `mapstructure:"refresh_timeout"`
	MaxEntrySize   int64  `mapstructure:"max_entry_size"`

	DefaultNotificationTitle string `mapstructure:"default_notification_title"`
	DefaultIcon              string `mapstructure:"default_icon"`
	DefaultBadge             string `mapstructure:"default_badge"`
	DefaultVibrate           []int  `mapstructure:"default_vibrate"`
	DefaultClickURL          string `mapstructure:"default_click_url"`
}

type ListenConfig struct {
	//ListenAddress is the address on which the worker will listen for http connections
	ListenAddress string `mapstructure:"address"`

	//AdminSecret is the bearer token required by the admin endpoints, if empty they are open
	AdminSecret string `mapstructure:"admin_secret"`

	//EnableMetrics if true prometheus metrics are served on /metrics
	EnableMetrics bool `mapstructure:"metrics"`
}

type ForwardConfig struct {
	//Origin is the hostname and optional port of the origin server.
	// If empty the request will be forwared to the domain name / ip in the Host header
	Origin string `mapstructure:"origin"`

	EnableTLS bool `mapstructure:"tls"`

	//EnableHTTP2 if true we will make HTTP2 connections to the origin server, requires tls
	EnableHTTP2 bool `mapstructure:"http2"`
}

type StorageConfig struct {
	//Driver is one of "memory", "bolt" or "redis"
	Driver string `mapstructure:"driver"`

	//MaxBucketSize is the size limit in bytes of a in-memory bucket
	MaxBucketSize int `mapstructure:"max_bucket_size"`

	//BoltPath is the database file of the bolt driver
	BoltPath string `mapstructure:"bolt_path"`

	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type NotifyConfig struct {
	//ShoutrrrURLs are the services notifications are sent to, if empty notifications are only logged
	ShoutrrrURLs []string `mapstructure:"shoutrrr_urls"`

	MQTT MQTTConfig `mapstructure:"mqtt"`
}

type MQTTConfig struct {
	//Broker like "tcp://localhost:1883", if empty push messages are only accepted on the admin endpoint
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
}

type NetworkConfig struct {
	//ProbeURL is probed with HEAD requests, defaults to the root of the origin
	ProbeURL        string `mapstructure:"probe_url"`
	ProbeTimeout    string `mapstructure:"probe_timeout"`
	OfflineInterval string `mapstructure:"offline_interval"`
	OnlineInterval  string `mapstructure:"online_interval"`
}

func (conf *WorkerConfig) toRealWorkerConfig() (*swcache.WorkerConfig, error) {
	workerConfig := swcache.NewWorkerConfig()

	freshnessWindow, err := time.ParseDuration(conf.FreshnessWindow)
	if err != nil {
		return nil, fmt.Errorf("Unable to parse duration in 'freshness_window': %w", err)
	}

	refreshTimeout, err := time.ParseDuration(conf.RefreshTimeout)
	if err != nil {
		return nil, fmt.Errorf("Unable to parse duration in 'refresh_timeout': %w", err)
	}

	if conf.OfflineDocumentPath != "" {
		offlineDocument, err := os.ReadFile(conf.OfflineDocumentPath)
		if err != nil {
			return nil, fmt.Errorf("Unable to read 'offline_document': %w", err)
		}

		workerConfig.OfflineDocument = offlineDocument
	}

	workerConfig.CachePrefix = conf.CachePrefix
	workerConfig.Version = conf.Version
	workerConfig.FreshnessWindow = freshnessWindow
	workerConfig.TimestampHeader = conf.TimestampHeader
	workerConfig.PrecacheURLs = conf.PrecacheURLs
	workerConfig.StrictPrecache = conf.StrictPrecache
	workerConfig.PrecacheParallelism = conf.PrecacheParallelism
	workerConfig.OfflineURL = conf.OfflineURL
	workerConfig.ImageExtensions = normalizeExtensions(conf.ImageExtensions)
	workerConfig.AssetExtensions = normalizeExtensions(conf.AssetExtensions)
	workerConfig.ExcludedPathPrefixes = conf.ExcludedPathPrefixes
	workerConfig.ExcludedHostSubstrings = conf.ExcludedHostSubstrings
	workerConfig.ExcludedSchemes = conf.ExcludedSchemes
	workerConfig.RefreshTimeout = refreshTimeout
	workerConfig.MaxEntrySize = conf.MaxEntrySize
	workerConfig.DefaultNotificationTitle = conf.DefaultNotificationTitle
	workerConfig.DefaultIcon = conf.DefaultIcon
	workerConfig.DefaultBadge = conf.DefaultBadge
	workerConfig.DefaultVibrate = conf.DefaultVibrate
	workerConfig.DefaultClickURL = conf.DefaultClickURL

	if err := workerConfig.Validate(); err != nil {
		return nil, err
	}

	return workerConfig, nil
}

// normalizeExtensions lower-cases the extensions and strips a leading dot
func normalizeExtensions(extensions []string) []string {
	normalized := make([]string, 0, len(extensions))
	for _, extension := range extensions {
		extension = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(extension)), ".")
		if extension != "" {
			normalized = append(normalized, extension)
		}
	}

	return normalized
}

func (conf *ForwardConfig) toRealForwardConfig() *swcache.ForwardConfig {
	return &swcache.ForwardConfig{
		Host: conf.Origin,
		TLS:  conf.EnableTLS,
	}
}

func (conf *StorageConfig) openStorage() (storage.CacheStorage, error) {
	switch strings.ToLower(conf.Driver) {
	case "", "memory":
		return storage.NewInMemoryStorage(conf.MaxBucketSize), nil

	case "bolt":
		if conf.BoltPath == "" {
			return nil, fmt.Errorf("'storage_config.bolt_path' is required for the bolt driver")
		}

		return storage.NewBoltStorage(conf.BoltPath)

	case "redis":
		return storage.NewRedisStorage(storage.RedisStorageConfig{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
			Prefix:   conf.Redis.Prefix,
		})
	}

	return nil, fmt.Errorf("unknown storage driver '%s'", conf.Driver)
}

func parseDurationOrZero(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("Unable to parse duration in '%s': %w", name, err)
	}

	return duration, nil
}

func setDefaults(v *viper.Viper) {
	defaults := swcache.NewWorkerConfig()

	v.SetDefault("worker_config.cache_prefix", defaults.CachePrefix)
	v.SetDefault("worker_config.version", defaults.Version)
	v.SetDefault("worker_config.freshness_window", defaults.FreshnessWindow.String())
	v.SetDefault("worker_config.timestamp_header", defaults.TimestampHeader)
	v.SetDefault("worker_config.precache_urls", defaults.PrecacheURLs)
	v.SetDefault("worker_config.precache_parallelism", defaults.PrecacheParallelism)
	v.SetDefault("worker_config.offline_url", defaults.OfflineURL)
	v.SetDefault("worker_config.image_extensions", defaults.ImageExtensions)
	v.SetDefault("worker_config.asset_extensions", defaults.AssetExtensions)
	v.SetDefault("worker_config.excluded_path_prefixes", defaults.ExcludedPathPrefixes)
	v.SetDefault("worker_config.excluded_host_substrings", defaults.ExcludedHostSubstrings)
	v.SetDefault("worker_config.excluded_schemes", defaults.ExcludedSchemes)
	v.SetDefault("worker_config.refresh_timeout", defaults.RefreshTimeout.String())
	v.SetDefault("worker_config.max_entry_size", defaults.MaxEntrySize)
	v.SetDefault("worker_config.default_notification_title", defaults.DefaultNotificationTitle)
	v.SetDefault("worker_config.default_icon", defaults.DefaultIcon)
	v.SetDefault("worker_config.default_badge", defaults.DefaultBadge)
	v.SetDefault("worker_config.default_vibrate", defaults.DefaultVibrate)
	v.SetDefault("worker_config.default_click_url", defaults.DefaultClickURL)

	v.SetDefault("listen_config.address", ":8080")
	v.SetDefault("listen_config.metrics", true)

	v.SetDefault("storage_config.driver", "memory")
	v.SetDefault("storage_config.max_bucket_size", 128*1024*1024)
	v.SetDefault("storage_config.redis.addr", "localhost:6379")

	v.SetDefault("notify_config.mqtt.client_id", "swcache")
	v.SetDefault("notify_config.mqtt.topic", "swcache/push")

	v.SetDefault("network_config.probe_timeout", "3s")
	v.SetDefault("network_config.offline_interval", "10s")
	v.SetDefault("network_config.online_interval", "1m")

	v.SetDefault("log_level", "info")
}
