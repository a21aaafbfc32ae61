package swcache_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/dylandreimerink/swcache"
	"github.com/dylandreimerink/swcache/storage"
)

// Example demonstrates the most basic setup of a worker in front of a single origin server
func Example() {

	router := &swcache.CacheRouter{
		Config: swcache.NewWorkerConfig(),
		Forward: &swcache.ForwardConfig{
			Host: "example.com",
			TLS:  true,
		},
		Storage: storage.NewInMemoryStorage(128 * 1024 * 1024), // 128MB of in-memory(RAM) storage
	}

	worker := &swcache.Worker{
		Router: router,
	}

	ctx := context.Background()
	if err := worker.Dispatch(ctx, &swcache.InstallEvent{}); err != nil {
		fmt.Printf("Install failed: %s", err.Error())
		return
	}

	if err := worker.Dispatch(ctx, &swcache.ActivateEvent{}); err != nil {
		fmt.Printf("Activation failed: %s", err.Error())
		return
	}

	server := &http.Server{
		Handler: worker,
	}

	err := server.ListenAndServe()
	if err != nil {
		fmt.Printf("Server exited with error: %s", err.Error())
	}

	worker.Close()
}

// ExampleWorker_persistent demonstrates a worker which keeps its bucket across restarts.
// Bumping the version of the config purges the previous bucket on activation
func ExampleWorker_persistent() {

	bucketStorage, err := storage.NewBoltStorage("/var/lib/swcache/cache.db")
	if err != nil {
		panic(err)
	}
	defer bucketStorage.Close()

	config := swcache.NewWorkerConfig()
	config.Version = "1.7.4"

	worker := &swcache.Worker{
		Router: &swcache.CacheRouter{
			Config:  config,
			Forward: &swcache.ForwardConfig{Host: "example.com", TLS: true},
			Storage: bucketStorage,
		},
	}

	ctx := context.Background()
	for _, event := range []swcache.Event{&swcache.InstallEvent{}, &swcache.ActivateEvent{}} {
		if err := worker.Dispatch(ctx, event); err != nil {
			panic(err)
		}
	}

	err = http.ListenAndServe(":8080", worker)
	if err != nil {
		fmt.Printf("Server exited with error: %s", err.Error())
	}
}

// ExampleWorker_http2 demonstrates how to use HTTP/2 on the connection from the worker to the origin.
func ExampleWorker_http2() {

	systemCertPool, err := x509.SystemCertPool()
	if err != nil {
		panic(err)
	}

	http2Transport := &http2.Transport{
		TLSClientConfig: &tls.Config{
			RootCAs: systemCertPool,
		},
	}

	worker := &swcache.Worker{
		Router: &swcache.CacheRouter{
			Forward: &swcache.ForwardConfig{
				Host: "example.com",
				TLS:  true,
			},
			Transport: http2Transport,
		},
	}

	if err := worker.Dispatch(context.Background(), &swcache.InstallEvent{}); err != nil {
		panic(err)
	}

	if err := worker.Dispatch(context.Background(), &swcache.ActivateEvent{}); err != nil {
		panic(err)
	}

	server := &http.Server{
		Addr:    ":8080",
		Handler: worker,
	}

	err = server.ListenAndServe()
	if err != nil {
		fmt.Printf("Server exited with error: %s", err.Error())
	}
}

// ExampleCacheRouter_Intercept shows the router on its own, a declined request must be handled by the caller
func ExampleCacheRouter_Intercept() {
	router := &swcache.CacheRouter{
		Forward: &swcache.ForwardConfig{Host: "example.com", TLS: true},
	}

	handler := http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		response, handled := router.Intercept(req)
		if !handled {
			http.Error(rw, "Not cached here", http.StatusNotImplemented)
			return
		}
		defer response.Body.Close()

		for key, values := range response.Header {
			rw.Header()[key] = values
		}
		rw.WriteHeader(response.StatusCode)
		fmt.Fprint(rw, "...")
	})

	http.ListenAndServe(":8080", handler)
}
