package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// NewProxy returns a handler that forwards requests to upstream through the
// engine, so the local process sits in front of the app origin the way a
// service worker does.
func NewProxy(e *Engine, upstream string) (http.Handler, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", upstream)
	}

	logger := e.logger
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: e,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status := http.StatusInternalServerError
			errType := "api_error"
			var nf *NetworkFailure
			if errors.As(err, &nf) {
				status = http.StatusBadGateway
				errType = "network_error"
			}
			logger.Warn("proxy request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			proxyError(w, status, errType, err.Error())
		},
	}, nil
}

func proxyError(w http.ResponseWriter, code int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
