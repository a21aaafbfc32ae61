package swcache

import (
	"net/http"
	"path"
	"strings"
)

// Classification is the strategy class of an intercepted request
type Classification int

const (
	//ClassExcluded requests are never intercepted, the caller handles them natively
	ClassExcluded Classification = iota
	//ClassImage requests use the cache-first strategy
	ClassImage
	//ClassAsset requests (styles and scripts) use the network-first strategy
	ClassAsset
	//ClassDocument requests, and anything else, use stale-while-revalidate
	ClassDocument
)

func (class Classification) String() string {
	switch class {
	case ClassExcluded:
		return "excluded"
	case ClassImage:
		return "image"
	case ClassAsset:
		return "asset"
	case ClassDocument:
		return "document"
	}

	return "unknown"
}

// Classify decides which strategy applies to a request.
// It is a pure function of the request method and URL (plus the Origin header for extension origins)
func Classify(config *WorkerConfig, req *http.Request) Classification {
	if !isCacheableMethod(req.Method) {
		return ClassExcluded
	}

	if isExcluded(config, req) {
		return ClassExcluded
	}

	extension := strings.ToLower(strings.TrimPrefix(path.Ext(req.URL.Path), "."))
	if extension == "" {
		return ClassDocument
	}

	if containsString(config.ImageExtensions, extension) {
		return ClassImage
	}

	if containsString(config.AssetExtensions, extension) {
		return ClassAsset
	}

	//Ambiguous URLs take the generic path rather than being excluded
	return ClassDocument
}

func isExcluded(config *WorkerConfig, req *http.Request) bool {
	scheme := strings.ToLower(req.URL.Scheme)
	origin := strings.ToLower(req.Header.Get("Origin"))
	for _, excludedScheme := range config.ExcludedSchemes {
		if scheme == excludedScheme || strings.HasPrefix(origin, excludedScheme+"://") {
			return true
		}
	}

	host := req.URL.Hostname()
	if host == "" {
		host = req.Host
	}
	host = strings.ToLower(host)
	for _, substring := range config.ExcludedHostSubstrings {
		if strings.Contains(host, substring) {
			return true
		}
	}

	//Prefixes match whole path segments, "/api" and "/api/..." are excluded but "/apiary.png" is not
	for _, prefix := range config.ExcludedPathPrefixes {
		if req.URL.Path == prefix || strings.HasPrefix(req.URL.Path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}

	return false
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}

	return false
}
