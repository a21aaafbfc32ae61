package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

func init() {
	Scenarios = append(Scenarios,
		assetOfflineCopyTest(),
		offlineNavigationTest(),
		passThroughOriginDownTest(),
	)
}

// Assets are fetched network-first, the stored copy is only used when the origin is unreachable
func assetOfflineCopyTest() IntergrationTestScenario {

	request := &http.Request{
		Method: http.MethodGet,
		URL:    URLMustParse("/css/site.css"),
	}

	return IntergrationTestScenario{
		Name:   "Fall back to the stored asset when the origin is down",
		Worker: newScenarioWorker(),
		Steps: []IntergrationTestScenarioStep{
			{
				Name:                  "First request - make cache",
				ClientRequest:         request,
				OriginHandler:         writeBody("text/css", "body{color:black}"),
				ExpectRequestToOrigin: true,
				CacheResponseChecker:  expectBody("body{color:black}"),
			},
			{
				Name:                  "Second request - network first",
				ClientRequest:         request,
				OriginHandler:         writeBody("text/css", "body{color:red}"),
				ExpectRequestToOrigin: true,
				CacheResponseChecker:  expectBody("body{color:red}"),
			},
			{
				Name:                  "Third request - origin down",
				ClientRequest:         request,
				OriginDown:            true,
				ExpectRequestToOrigin: true,
				CacheResponseChecker:  expectBody("body{color:red}"),
			},
		},
	}
}

// A navigation to a page which was never stored gets the offline document
func offlineNavigationTest() IntergrationTestScenario {
	return IntergrationTestScenario{
		Name:   "Serve the offline document to navigations",
		Worker: newScenarioWorker(),
		Steps: []IntergrationTestScenarioStep{
			{
				Name: "Navigation while origin down",
				ClientRequest: &http.Request{
					Method: http.MethodGet,
					URL:    URLMustParse("/novel/chapter-2"),
					Header: http.Header{
						"Accept": []string{"text/html,application/xhtml+xml"},
					},
				},
				OriginDown:            true,
				ExpectRequestToOrigin: true,
				CacheResponseChecker: CacheResponseCheckerFunc(func(resp *http.Response) error {
					if resp.StatusCode != http.StatusOK {
						return fmt.Errorf("Expected status code 200, got %d", resp.StatusCode)
					}

					body, err := io.ReadAll(resp.Body)
					if err != nil {
						return err
					}

					if !strings.Contains(string(body), "You are offline") {
						return fmt.Errorf("Expected the offline document, got '%s'", string(body))
					}

					return nil
				}),
			},
			{
				Name: "Image while origin down",
				ClientRequest: &http.Request{
					Method: http.MethodGet,
					URL:    URLMustParse("/covers/missing.png"),
				},
				OriginDown:            true,
				ExpectRequestToOrigin: true,
				CacheResponseChecker: CacheResponseCheckerFunc(func(resp *http.Response) error {
					if resp.StatusCode != http.StatusNotFound {
						return fmt.Errorf("Expected status code 404, got %d", resp.StatusCode)
					}
					return nil
				}),
			},
		},
	}
}

// Requests the worker declines are proxied, an unreachable origin results in 502
func passThroughOriginDownTest() IntergrationTestScenario {
	return IntergrationTestScenario{
		Name:   "Bad gateway for pass-through requests when the origin is down",
		Worker: newScenarioWorker(),
		Steps: []IntergrationTestScenarioStep{
			{
				Name: "Form post while origin down",
				ClientRequest: &http.Request{
					Method: http.MethodPost,
					URL:    URLMustParse("/contact"),
				},
				OriginDown:            true,
				ExpectRequestToOrigin: true,
				CacheRequestChecker: CacheRequestCheckerFunc(func(req *http.Request) error {
					if req.Method != http.MethodPost {
						return fmt.Errorf("Expected POST at the origin, got %s", req.Method)
					}
					return nil
				}),
				CacheResponseChecker: CacheResponseCheckerFunc(func(resp *http.Response) error {
					if resp.StatusCode != http.StatusBadGateway {
						return fmt.Errorf("Expected status code 502, got %d", resp.StatusCode)
					}
					return nil
				}),
			},
		},
	}
}
