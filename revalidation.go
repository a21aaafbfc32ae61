package swcache

import (
	"context"
	"net/http"
)

var clientPreconditions = []string{
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"If-Range",
}

// makeRevalidationRequest makes a conditional request for a background refresh based on the original request and the stored headers.
// If a conditional request can't be created a plain clone of the request is returned
func makeRevalidationRequest(ctx context.Context, request *http.Request, storedHeader http.Header) (*http.Request, bool) {

	//We use the request we got from the http client.
	//However we can't modify it because it is still being served
	validationRequest := request.Clone(ctx)

	//The preconditions of the client are about its own copy, not the stored one
	for _, header := range clientPreconditions {
		validationRequest.Header.Del(header)
	}

	canValidate := false

	//If there is a Etag in the response we add the If-None-Match Precondition
	if etag := storedHeader.Get("Etag"); etag != "" {
		validationRequest.Header.Set("If-None-Match", etag)
		canValidate = true
	}

	//If-Modified-Since is only allowed for GET and HEAD requests as per Section 3.3 of RFC7232
	if request.Method == http.MethodGet || request.Method == http.MethodHead {

		//If the stored response has a last modified header set the If-Modified-Since precondition
		if lastModified := storedHeader.Get("Last-Modified"); lastModified != "" {
			validationRequest.Header.Set("If-Modified-Since", lastModified)

			canValidate = true
		}
	}

	return validationRequest, canValidate
}

// mergeValidationHeaders overwrites stored headers with the headers of a 304 response.
// The framing headers describe the empty 304 body and are skipped
func mergeValidationHeaders(stored http.Header, validation http.Header) {
	for header, value := range validation {
		switch header {
		case "Content-Length", "Content-Encoding", "Content-Type", "Transfer-Encoding":
			continue
		}

		stored[header] = value
	}
}
