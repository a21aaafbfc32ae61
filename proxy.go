package swcache

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
)

// From net/http/httputil/reverseproxy.go
// removeConnectionHeaders removes hop-by-hop headers listed in the "Connection" header of h.
// See RFC 7230, section 6.1
func removeConnectionHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
}

// From net/http/httputil/reverseproxy.go
// Hop-by-hop headers. These are removed when sent to the backend.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection", // non-standard but still sent by libcurl and rejected by e.g. google
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",      // canonicalized version of "TE"
	"Trailer", // not Trailers per URL above; https://www.rfc-editor.org/errata_search.php?eid=4522
	"Transfer-Encoding",
	"Upgrade",
}

// proxyToOrigin sends a request to the origin server using the given config and returns the response.
// This is the "network" of the worker, an error means the origin could not be reached
func proxyToOrigin(ctx context.Context, transport http.RoundTripper, forwardConfig *ForwardConfig, req *http.Request) (*http.Response, error) {

	//Clone the request
	outreq := req.Clone(ctx)
	if req.ContentLength == 0 {
		outreq.Body = nil // Issue 16036: nil Body for http.Transport retries
	}
	if outreq.Header == nil {
		outreq.Header = make(http.Header) // Issue 33142: historical behavior was to always allocate
	}

	outreq.Close = false
	outreq.RequestURI = ""

	removeConnectionHeaders(outreq.Header)

	// Remove hop-by-hop headers to the backend. Especially
	// important is "Connection" because we want a persistent
	// connection, regardless of what the client sent to us.
	for _, h := range hopHeaders {
		hv := outreq.Header.Get(h)
		if hv == "" {
			continue
		}
		if h == "Te" && hv == "trailers" {
			// Issue 21096: tell backend applications that
			// care about trailer support that we support
			// trailers.
			continue
		}
		outreq.Header.Del(h)
	}

	if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		// If we aren't the first proxy retain prior
		// X-Forwarded-For information as a comma+space
		// separated list and fold multiple headers into one.
		if prior, ok := outreq.Header["X-Forwarded-For"]; ok {
			clientIP = strings.Join(prior, ", ") + ", " + clientIP
		}
		outreq.Header.Set("X-Forwarded-For", clientIP)
	}

	//Absolute URLs pointing to another origin (like a CDN) are fetched as is
	if !isForeignURL(req, forwardConfig) {
		//Change the protocol of the url to the protocol specified in the forward config
		if forwardConfig.TLS {
			outreq.URL.Scheme = "https"
		} else {
			outreq.URL.Scheme = "http"
		}

		//Forward the original hostname for which the request was intended unless the origin is fixed
		if forwardConfig.Host != "" {
			outreq.URL.Host = forwardConfig.Host
		} else {
			outreq.URL.Host = req.Host
		}
		outreq.Host = req.Host
	}

	//Forward request to origin server
	response, err := transport.RoundTrip(outreq)
	if err != nil {
		return nil, err
	}

	removeConnectionHeaders(response.Header)

	for _, h := range hopHeaders {
		response.Header.Del(h)
	}

	return response, nil
}

// isForeignURL reports if the request is in absolute-form for a host other than the origin.
// Such requests (a CDN root in the precache list, or any request in forward proxy mode) are sent as is
func isForeignURL(req *http.Request, forwardConfig *ForwardConfig) bool {
	if req.URL.Scheme == "" || req.URL.Host == "" {
		return false
	}

	return forwardConfig.Host == "" || req.URL.Host != forwardConfig.Host
}

// writeHTTPResponse writes a response the response writer
func writeHTTPResponse(rw http.ResponseWriter, response *http.Response) error {

	//Set all response headers in the response writer
	for key, values := range response.Header {
		rw.Header()[key] = values
	}

	rw.WriteHeader(response.StatusCode)

	if response.Body == nil {
		return nil
	}

	//Close the body before returning
	defer response.Body.Close()
	_, err := io.Copy(rw, response.Body)

	return err
}
