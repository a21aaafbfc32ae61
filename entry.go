package swcache

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// getCacheKey generates the key of a request in a bucket.
// The key is the method and effective URI concatenated together, matching the request exactly
func getCacheKey(req *http.Request, forwardConfig *ForwardConfig) string {
	buf := &bytes.Buffer{}

	buf.WriteString(req.Method)
	buf.WriteString(getEffectiveURI(req, forwardConfig))

	return buf.String()
}

// getEffectiveURI returns the effective URI as string generated from a request object
// https://tools.ietf.org/html/rfc7230#section-5.5
func getEffectiveURI(req *http.Request, forwardConfig *ForwardConfig) string {

	effectiveURI := &url.URL{}

	//Requests bound for a fixed origin are keyed by the origin, whatever host the client used.
	// Precached entries are stored under the same key
	if forwardConfig != nil && forwardConfig.Host != "" && !isForeignURL(req, forwardConfig) {
		if forwardConfig.TLS {
			effectiveURI.Scheme = "https"
		} else {
			effectiveURI.Scheme = "http"
		}
		effectiveURI.Host = forwardConfig.Host
	} else if req.URL.Host != "" && req.URL.Scheme != "" {
		//If the request URI is in the absolute-form, use its scheme and host
		effectiveURI.Scheme = req.URL.Scheme
		effectiveURI.Host = req.URL.Host
	} else {
		if req.TLS == nil {
			effectiveURI.Scheme = "http"
		} else {
			effectiveURI.Scheme = "https"
		}

		//If the host header is set in the request or in the URI this will be true
		if req.Host != "" {
			effectiveURI.Host = req.Host
		} else if forwardConfig != nil {
			effectiveURI.Host = forwardConfig.Host
		}
	}

	//If request is in asterisk form we leave the path and query empty
	if req.URL.Path != "*" {
		effectiveURI.Path = req.URL.Path
		effectiveURI.RawPath = req.URL.RawPath

		//Parse and re-encode the query, this causes the query to be sorted by key
		// sort order is important when the effective uri is used in a cache key
		queryValues, err := url.ParseQuery(req.URL.RawQuery)
		if err == nil {
			effectiveURI.RawQuery = queryValues.Encode()
		}
	}

	return effectiveURI.String()
}

// bufferBody reads the whole body of a response and replaces it with an in-memory copy
func bufferBody(response *http.Response) ([]byte, error) {
	if response.Body == nil || response.Body == http.NoBody {
		response.Body = http.NoBody
		return nil, nil
	}

	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	response.Body = io.NopCloser(bytes.NewReader(body))
	response.ContentLength = int64(len(body))

	return body, nil
}

// cloneResponse creates a copy of a response with its own header map and body reader
func cloneResponse(response *http.Response, body []byte) *http.Response {
	clone := *response
	clone.Header = response.Header.Clone()
	clone.ContentLength = int64(len(body))
	clone.TransferEncoding = nil

	if len(body) == 0 {
		clone.Body = http.NoBody
	} else {
		clone.Body = io.NopCloser(bytes.NewReader(body))
	}

	return &clone
}

// encodeEntry generates the byte representation of a response as it is stored in a bucket
func encodeEntry(response *http.Response, body []byte) ([]byte, error) {
	stored := cloneResponse(response, body)
	stored.ProtoMajor = 1
	stored.ProtoMinor = 1
	//The status line is rebuilt from the status code
	stored.Status = ""
	stored.Request = nil
	stored.Close = false
	stored.Header.Del("Transfer-Encoding")
	stored.Header.Del("Content-Length")

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, fmt.Errorf("failed to serialize response: %w", err)
	}

	return buf.Bytes(), nil
}

// decodeEntry parses a stored entry back into a response for the given request
func decodeEntry(entry io.Reader, req *http.Request) (*http.Response, error) {
	response, err := http.ReadResponse(bufio.NewReader(entry), req)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored response: %w", err)
	}

	if _, err := bufferBody(response); err != nil {
		return nil, fmt.Errorf("failed to read stored body: %w", err)
	}

	return response, nil
}

// stampResponse sets the freshness timestamp of a response which is about to be stored
func stampResponse(config *WorkerConfig, response *http.Response, now time.Time) {
	response.Header.Set(config.TimestampHeader, strconv.FormatInt(now.UnixMilli(), 10))
}

// responseTimestamp returns the moment the response was stored, if it carries a valid timestamp
func responseTimestamp(config *WorkerConfig, response *http.Response) (time.Time, bool) {
	value := response.Header.Get(config.TimestampHeader)
	if value == "" {
		return time.Time{}, false
	}

	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.UnixMilli(millis), true
}

// isFresh reports if a stored response is younger than the freshness window.
// Responses without a valid timestamp are never fresh
func isFresh(config *WorkerConfig, response *http.Response, now time.Time) bool {
	storedAt, ok := responseTimestamp(config, response)
	if !ok {
		return false
	}

	return now.Sub(storedAt) < config.FreshnessWindow
}

// isSuccess mirrors the Fetch API "ok" flag
func isSuccess(response *http.Response) bool {
	return response.StatusCode >= 200 && response.StatusCode <= 299
}
