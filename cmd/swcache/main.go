package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dylandreimerink/swcache"
	"github.com/dylandreimerink/swcache/formqueue"
	"github.com/dylandreimerink/swcache/netstatus"
	"github.com/dylandreimerink/swcache/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/net/http2"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// adminPrefix is the path under which the admin endpoints are served
const adminPrefix = "/_sw"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	setDefaults(v)

	rootCmd := &cobra.Command{
		Use:           "swcache",
		Short:         "Caching proxy which applies offline-first caching strategies to a website",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "The path to the swcache config file")
	flags.String("listen", "", "The address to listen on for http connections")
	flags.String("origin", "", "The hostname and optional port of the origin server")
	flags.String("log-level", "", "The log level (debug, info, warning, error)")

	bindFlags(v, flags, map[string]string{
		"config":    "config",
		"listen":    "listen_config.address",
		"origin":    "forward_config.origin",
		"log-level": "log_level",
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Boot the worker and serve requests (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return rootCmd
}

// bindFlags binds every flag to its config key, the flag only wins over the config file when it is set
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for flagName, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flagName)); err != nil {
			panic(err)
		}
	}
}

// initConfig reads the config file, if one is given, and enables environment overrides like SWCACHE_LISTEN_CONFIG_ADDRESS
func initConfig(v *viper.Viper) error {
	v.SetEnvPrefix("SWCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := v.GetString("config")
	if configPath == "" {
		return nil
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	return v.ReadInConfig()
}

func loadConfig(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("Error while unmarshalling config: %w", err)
	}

	return &config, nil
}

// app holds everything which is built from the config
type app struct {
	config   *Config
	logger   *logrus.Logger
	registry *prometheus.Registry
	worker   *swcache.Worker
	watcher  *netstatus.Watcher
	mqtt     *notify.MQTTSource
	handler  http.Handler

	closers []func() error
}

// newApp builds the worker and its collaborators. The transport is used for all origin traffic
func newApp(config *Config, logger *logrus.Logger, transport http.RoundTripper) (*app, error) {
	workerConfig, err := config.WorkerConfig.toRealWorkerConfig()
	if err != nil {
		return nil, err
	}

	networkTimes := map[string]string{
		"network_config.probe_timeout":    config.NetworkConfig.ProbeTimeout,
		"network_config.offline_interval": config.NetworkConfig.OfflineInterval,
		"network_config.online_interval":  config.NetworkConfig.OnlineInterval,
	}
	networkDurations := map[string]time.Duration{}
	for name, value := range networkTimes {
		duration, err := parseDurationOrZero(name, value)
		if err != nil {
			return nil, err
		}
		networkDurations[name] = duration
	}

	a := &app{
		config:   config,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics, err := swcache.NewMetrics(a.registry)
	if err != nil {
		return nil, err
	}

	cacheStorage, err := config.StorageConfig.openStorage()
	if err != nil {
		return nil, fmt.Errorf("Error while opening storage: %w", err)
	}
	a.closers = append(a.closers, cacheStorage.Close)

	forward := config.ForwardConfig.toRealForwardConfig()

	a.worker = &swcache.Worker{
		Router: &swcache.CacheRouter{
			Config:    workerConfig,
			Storage:   cacheStorage,
			Transport: transport,
			Forward:   forward,
			Logger:    logger,
			Metrics:   metrics,
		},
		Logger: logger,
	}

	if config.FormQueuePath != "" {
		queue, err := formqueue.Open(config.FormQueuePath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("Error while opening form queue: %w", err)
		}

		a.worker.Forms = queue
		a.closers = append(a.closers, queue.Close)
	}

	if len(config.NotifyConfig.ShoutrrrURLs) > 0 {
		notifier, err := notify.NewShoutrrr(logger, config.NotifyConfig.ShoutrrrURLs...)
		if err != nil {
			a.Close()
			return nil, err
		}

		a.worker.Notifier = notifier
	}

	if config.NotifyConfig.MQTT.Broker != "" {
		mqttConfig := config.NotifyConfig.MQTT
		a.mqtt, err = notify.NewMQTTSource(notify.MQTTConfig{
			Broker:   mqttConfig.Broker,
			ClientID: mqttConfig.ClientID,
			Username: mqttConfig.Username,
			Password: mqttConfig.Password,
			Topic:    mqttConfig.Topic,
			QoS:      mqttConfig.QoS,
		}, a.worker, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	probeURL := config.NetworkConfig.ProbeURL
	if probeURL == "" && forward.Host != "" {
		scheme := "http"
		if forward.TLS {
			scheme = "https"
		}
		probeURL = scheme + "://" + forward.Host + "/"
	}

	var network swcache.OnlineChecker
	if probeURL != "" {
		a.watcher = &netstatus.Watcher{
			ProbeURL:        probeURL,
			Transport:       transport,
			ProbeTimeout:    networkDurations["network_config.probe_timeout"],
			OfflineInterval: networkDurations["network_config.offline_interval"],
			OnlineInterval:  networkDurations["network_config.online_interval"],
			OnChange:        a.networkChanged,
			Logger:          logger,
		}
		network = a.watcher
	}

	mux := http.NewServeMux()
	mux.Handle(adminPrefix+"/", http.StripPrefix(adminPrefix, swcache.NewAdminHandler(a.worker, config.ListenConfig.AdminSecret, network)))
	if config.ListenConfig.EnableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", a.worker)
	a.handler = mux

	return a, nil
}

// networkChanged replays the deferred forms once the origin is reachable again
func (a *app) networkChanged(ctx context.Context, online bool) {
	if !online {
		return
	}

	event := &swcache.SyncEvent{Tag: swcache.SyncTagFormSubmission}
	if err := a.worker.Dispatch(ctx, event); err != nil {
		a.logger.WithError(err).Warning("Error while replaying pending forms")
		return
	}

	a.logger.WithFields(logrus.Fields{
		"replayed": event.Replayed,
		"failed":   event.Failed,
	}).Info("Back online, replayed pending forms")
}

// boot installs and activates the worker
func (a *app) boot(ctx context.Context) error {
	if err := a.worker.Dispatch(ctx, &swcache.InstallEvent{}); err != nil {
		return fmt.Errorf("install failed: %w", err)
	}

	if err := a.worker.Dispatch(ctx, &swcache.ActivateEvent{}); err != nil {
		return fmt.Errorf("activate failed: %w", err)
	}

	return nil
}

// Close waits for detached tasks and releases storage
func (a *app) Close() error {
	if a.mqtt != nil {
		a.mqtt.Stop()
	}

	if a.worker != nil && a.worker.Router != nil {
		a.worker.Close()
	}

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}

	return errors.Join(errs...)
}

func newLogger(level string) (*logrus.Logger, error) {
	logger := logrus.New()

	if level != "" {
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(parsed)
	}

	return logger, nil
}

func newTransport(config ForwardConfig) (http.RoundTripper, error) {
	systemCertPool, err := x509.SystemCertPool()
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		RootCAs: systemCertPool,
	}

	if config.EnableHTTP2 {
		if !config.EnableTLS {
			return nil, errors.New("'forward_config.http2' requires 'forward_config.tls'")
		}

		return &http2.Transport{
			TLSClientConfig:    tlsConfig,
			DisableCompression: true,
		}, nil
	}

	return &http.Transport{
		TLSClientConfig:    tlsConfig,
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout: 15 * time.Second,
		}).DialContext,
	}, nil
}

func runServe(ctx context.Context, v *viper.Viper) error {
	if ctx == nil {
		ctx = context.Background()
	}

	config, err := loadConfig(v)
	if err != nil {
		return err
	}

	logger, err := newLogger(config.LogLevel)
	if err != nil {
		return err
	}

	transport, err := newTransport(config.ForwardConfig)
	if err != nil {
		return err
	}

	a, err := newApp(config, logger, transport)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.boot(ctx); err != nil {
		return err
	}

	errChan := make(chan error, 3)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		errChan <- fmt.Errorf("%s", <-c)
	}()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	httpServer, err := a.startServer(ctx, errChan, &wg)
	if err != nil {
		cancel()
		return err
	}

	if err := <-errChan; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Info("Shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warning("Error while shutting down http server")
	}

	cancel()

	wg.Wait()

	logger.Info("Exited")

	return nil
}

func (a *app) startServer(ctx context.Context, errChan chan error, wg *sync.WaitGroup) (*http.Server, error) {
	httpServer := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpListener, err := net.Listen("tcp", a.config.ListenConfig.ListenAddress)
	if err != nil {
		return nil, err
	}

	go func() {
		a.logger.WithField("address", httpListener.Addr().String()).Info("Started listening for http requests")
		errChan <- httpServer.Serve(httpListener)
	}()

	if a.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.watcher.Run(ctx)
		}()
	}

	if a.mqtt != nil {
		if err := a.mqtt.Start(); err != nil {
			//The broker may come up later, paho keeps retrying
			a.logger.WithError(err).Warning("Error while connecting to MQTT broker")
		}
	}

	return httpServer, nil
}
