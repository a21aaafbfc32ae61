package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
)

func init() {
	Scenarios = append(Scenarios,
		firstRequestTest(),
		documentServedFromCacheTest(),
		imageCacheFirstTest(),
		apiPassThroughTest(),
	)
}

func URLMustParse(urlString string) *url.URL {
	url, err := url.Parse(urlString)
	if err != nil {
		panic(err)
	}
	return url
}

// writeBody returns a origin handler which always responds with the given body
func writeBody(contentType, body string) http.Handler {
	return http.HandlerFunc(func(resp http.ResponseWriter, req *http.Request) {
		resp.Header().Set("Content-Type", contentType)
		_, err := resp.Write([]byte(body))
		if err != nil {
			fmt.Printf("Error while writing origin response: %s", err.Error())
		}
	})
}

// expectBody returns a checker which requires a 200 response with exactly the given body
func expectBody(expected string) CacheResponseChecker {
	return CacheResponseCheckerFunc(func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("Expected status code 200, got %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if string(body) != expected {
			return fmt.Errorf("Expected body '%s', got '%s'", expected, string(body))
		}

		return nil
	})
}

// firstRequestTest is a basic test which confirms that the first request is proxied to the origin server
func firstRequestTest() IntergrationTestScenario {
	return IntergrationTestScenario{
		Name:   "Proxy on first request",
		Worker: newScenarioWorker(),
		Steps: []IntergrationTestScenarioStep{
			{
				Name: "First request",
				ClientRequest: &http.Request{
					Method: http.MethodGet,
					URL:    URLMustParse("/lorum-ipsum"),
				},
				OriginHandler:         writeBody("text/plain", "Lorem ipsum dolor sit amet, consectetur adipiscing elit"),
				ExpectRequestToOrigin: true,
				CacheResponseChecker:  expectBody("Lorem ipsum dolor sit amet, consectetur adipiscing elit"),
			},
		},
	}
}

// Documents are served from the bucket within the freshness window while the origin is still asked in the background
func documentServedFromCacheTest() IntergrationTestScenario {

	request := &http.Request{
		Method: http.MethodGet,
		URL:    URLMustParse("/novel/chapter-1"),
	}

	return IntergrationTestScenario{
		Name:   "Serve fresh documents from cache and refresh in the background",
		Worker: newScenarioWorker(),
		Steps: []IntergrationTestScenarioStep{
			{
				Name:                  "First request - make cache",
				ClientRequest:         request,
				OriginHandler:         writeBody("text/html", "<html><head><title>Chapter 1</title></head></html>"),
				ExpectRequestToOrigin: true,
				CacheResponseChecker:  expectBody("<html><head><title>Chapter 1</title></head></html>"),
			},
			{
				Name:          "Second request - background refresh",
				ClientRequest: request,
				CacheRequestChecker: CacheRequestCheckerFunc(func(req *http.Request) error {
					if req.Method != http.MethodGet {
						return fmt.Errorf("Expected background refresh to use GET, got %s", req.Method)
					}
					return nil
				}),
				OriginHandler:         writeBody("text/html", "Not the same content"),
				ExpectRequestToOrigin: true,
				CacheResponseChecker:  expectBody("<html><head><title>Chapter 1</title></head></html>"),
			},
		},
	}
}

// Images are answered from the bucket without contacting the origin once stored
func imageCacheFirstTest() IntergrationTestScenario {

	request := &http.Request{
		Method: http.MethodGet,
		URL:    URLMustParse("/covers/book.png"),
	}

	return IntergrationTestScenario{
		Name:   "Serve images cache-first",
		Worker: newScenarioWorker(),
		Steps: []IntergrationTestScenarioStep{
			{
				Name:                  "First request - make cache",
				ClientRequest:         request,
				OriginHandler:         writeBody("image/png", "png-bytes"),
				ExpectRequestToOrigin: true,
				CacheResponseChecker:  expectBody("png-bytes"),
			},
			{
				Name:                  "Second request - from cache",
				ClientRequest:         request,
				OriginHandler:         writeBody("image/png", "Not the same content"),
				ExpectRequestToOrigin: false,
				CacheResponseChecker:  expectBody("png-bytes"),
			},
		},
	}
}

// Excluded paths are never intercepted, every request reaches the origin
func apiPassThroughTest() IntergrationTestScenario {

	request := &http.Request{
		Method: http.MethodGet,
		URL:    URLMustParse("/api/books"),
	}

	return IntergrationTestScenario{
		Name:   "Pass API requests through",
		Worker: newScenarioWorker(),
		Steps: []IntergrationTestScenarioStep{
			{
				Name:                  "First request",
				ClientRequest:         request,
				OriginHandler:         writeBody("application/json", `{"books":1}`),
				ExpectRequestToOrigin: true,
				CacheResponseChecker:  expectBody(`{"books":1}`),
			},
			{
				Name:                  "Second request",
				ClientRequest:         request,
				OriginHandler:         writeBody("application/json", `{"books":2}`),
				ExpectRequestToOrigin: true,
				CacheResponseChecker:  expectBody(`{"books":2}`),
			},
		},
	}
}
