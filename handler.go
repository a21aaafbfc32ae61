package swcache

import (
	"net/http"
)

// ServeHTTP turns the request into a FetchEvent. If the worker doesn't respond
// the request is forwarded to the origin untouched
func (worker *Worker) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	worker.init()

	event := &FetchEvent{Request: req}
	worker.Dispatch(req.Context(), event)

	response, handled := event.Response()
	if !handled {
		var err error
		response, err = proxyToOrigin(req.Context(), worker.Router.Transport, worker.Router.Forward, req)
		if err != nil {
			worker.Logger.WithError(err).WithField("url", req.URL.String()).Warning("Error while forwarding request to origin")

			http.Error(resp, "Unable to reach origin server", http.StatusBadGateway)
			return
		}
	}

	if err := writeHTTPResponse(resp, response); err != nil {
		//The client went away, nothing left to send
		worker.Logger.WithError(err).Debug("Error while writing response to http client")
	}
}
