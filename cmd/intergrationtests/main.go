package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dylandreimerink/swcache"
	"github.com/dylandreimerink/swcache/storage"
	"github.com/sirupsen/logrus"
)

var Scenarios []IntergrationTestScenario

func main() {

	originServerHandler := &OriginServerHandler{
		RequestChannel: make(chan *http.Request),
	}

	originServer := &http.Server{
		Handler: originServerHandler,
	}

	originListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}

	fmt.Println("Starting origin server on port:", originListener.Addr().(*net.TCPAddr).Port)

	//Start the origin server in a separate thread
	go func() {
		panic(originServer.Serve(originListener))
	}()

	workerServer := &http.Server{}

	workerListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}

	fmt.Println("Starting worker server on port:", workerListener.Addr().(*net.TCPAddr).Port)

	go func() {
		panic(workerServer.Serve(workerListener))
	}()

	for _, scenario := range Scenarios {
		fmt.Println("Testing scenario: ", scenario.Name)

		//Overwrite the forward config to the origin server since the port is random every time
		scenario.Worker.Router.Forward = &swcache.ForwardConfig{
			Host: originListener.Addr().String(),
		}

		if err := bootWorker(scenario.Worker); err != nil {
			fmt.Printf("Scenario '%s' failed, worker didn't boot: '%s'\n", scenario.Name, err.Error())
			os.Exit(1)
		}

		workerServer.Handler = scenario.Worker

		for _, step := range scenario.Steps {

			fmt.Println("Testing step: ", step.Name)

			//Set the correct handler for this step
			originServerHandler.ContentHandler = step.OriginHandler
			if step.OriginDown {
				originServerHandler.ContentHandler = dropConnection
			}

			//Make a channel with which the origin server checker routine can communicate to the main thread
			originErrorChannel := make(chan error)

			//Wait for a request at the origin server for 5 seconds
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
			go func() {
				select {
				case request := <-originServerHandler.RequestChannel:
					if !step.ExpectRequestToOrigin {
						originErrorChannel <- fmt.Errorf("Received request '%s %s' from worker while not expecting one", request.Method, request.URL)
						return
					}

					if step.CacheRequestChecker == nil {
						originErrorChannel <- nil
						return
					}

					originErrorChannel <- step.CacheRequestChecker.RequestExpected(request)
				case <-ctx.Done():
					if step.ExpectRequestToOrigin {
						originErrorChannel <- errors.New("Expected request from worker to origin server but never received any")
					} else {
						originErrorChannel <- nil
					}
				}
			}()

			step.ClientRequest.URL.Scheme = "http"
			step.ClientRequest.URL.Host = workerListener.Addr().String()

			//Send the request to the worker and wait for a response
			response, err := http.DefaultClient.Do(step.ClientRequest)
			if err != nil {
				fmt.Printf("Scenario '%s' failed on step '%s', got error while sending request to worker: '%s'\n", scenario.Name, step.Name, err.Error())
				os.Exit(1)
			}

			//If we don't expect a request at the origin we can cancel the request now so we don't have to wait for the timeout
			if !step.ExpectRequestToOrigin {
				cancel()
			}

			err = <-originErrorChannel
			cancel()
			if err != nil {
				fmt.Printf("Scenario '%s' failed on step '%s', origin server received unexpected request from worker: '%s'\n", scenario.Name, step.Name, err.Error())
				os.Exit(1)
			}

			//Check if the response the client got from the worker is expected
			err = step.CacheResponseChecker.ResponseExpected(response)
			response.Body.Close()
			if err != nil {
				fmt.Printf("Scenario '%s' failed on step '%s', got unexpected response from worker: '%s'\n", scenario.Name, step.Name, err.Error())
				os.Exit(1)
			}

			fmt.Println("Step success: ", step.Name)
		}

		//Background refreshes must not leak into the next scenario
		scenario.Worker.Close()

		fmt.Println("Scenario success: ", scenario.Name)
	}
}

func bootWorker(worker *swcache.Worker) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := worker.Dispatch(ctx, &swcache.InstallEvent{}); err != nil {
		return err
	}

	return worker.Dispatch(ctx, &swcache.ActivateEvent{})
}

// newScenarioWorker creates a worker with its own in-memory storage and no precache urls,
// so the only requests the origin sees are the ones caused by the steps.
// Keep-alives are disabled, a dropped reused connection would make the transport retry the request
func newScenarioWorker() *swcache.Worker {
	config := swcache.NewWorkerConfig()
	config.PrecacheURLs = nil

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	return &swcache.Worker{
		Router: &swcache.CacheRouter{
			Config:    config,
			Storage:   storage.NewInMemoryStorage(64 * 1024 * 1024),
			Transport: &http.Transport{DisableKeepAlives: true},
			Logger:    logger,
		},
	}
}

type OriginServerHandler struct {
	ContentHandler http.Handler
	RequestChannel chan *http.Request
}

func (o *OriginServerHandler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	o.RequestChannel <- req
	o.ContentHandler.ServeHTTP(resp, req)
}

// dropConnection closes the connection without responding, the worker sees the origin as unreachable
var dropConnection = http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
	hijacker, ok := resp.(http.Hijacker)
	if !ok {
		panic("origin connection can't be hijacked")
	}

	conn, _, err := hijacker.Hijack()
	if err != nil {
		panic(err)
	}

	conn.Close()
})

// A IntergrationTestScenario tests a specific caching scenario which can consists of multiple requests
// Every scenario starts with a fresh worker
type IntergrationTestScenario struct {
	//The name of the scenario
	Name string

	//The steps to be executed
	Steps []IntergrationTestScenarioStep

	//The worker under test, it is installed and activated before the first step
	Worker *swcache.Worker
}

// A IntergrationTestScenarioStep
type IntergrationTestScenarioStep struct {
	//The Name of the test step
	Name string

	//The client request which will be sent to the worker
	ClientRequest *http.Request

	//Returns true if we expect the worker to make a request to the origin server
	ExpectRequestToOrigin bool

	//If OriginDown is true the origin accepts the request but drops the connection
	OriginDown bool

	//Optional checker for the request the origin server received from the worker
	CacheRequestChecker CacheRequestChecker

	//Get the origin server http handler
	OriginHandler http.Handler

	//Get the checker which will be used to check if the response the client received from the worker is expected
	CacheResponseChecker CacheResponseChecker
}

type CacheRequestChecker interface {
	RequestExpected(request *http.Request) error
}

type CacheRequestCheckerFunc func(request *http.Request) error

func (crc CacheRequestCheckerFunc) RequestExpected(request *http.Request) error {
	return crc(request)
}

type CacheResponseChecker interface {
	ResponseExpected(response *http.Response) error
}

type CacheResponseCheckerFunc func(response *http.Response) error

func (crc CacheResponseCheckerFunc) ResponseExpected(response *http.Response) error {
	return crc(response)
}
