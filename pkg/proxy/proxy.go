// Package proxy forwards same-origin search calls to the upstream backend.
package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnsearch/pkg/gateway"
)

const defaultContentType = "application/json"

// Observer is told the status of every proxied response.
type Observer interface {
	ObserveProxy(route string, status int)
}

// Forwarder relays requests to a fixed upstream path, keeping method, query
// string and body, and passing status and content type back verbatim.
type Forwarder struct {
	base     *url.URL
	apiKey   string
	client   *http.Client
	observer Observer
}

type Option func(*Forwarder)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) {
		if c != nil {
			f.client = c
		}
	}
}

func WithObserver(o Observer) Option {
	return func(f *Forwarder) { f.observer = o }
}

func New(cfg gateway.Config, opts ...Option) (*Forwarder, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, errors.Wrap(err, "proxy: parse upstream url")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("proxy: upstream url %q must be absolute", cfg.BaseURL)
	}
	f := &Forwarder{
		base:   base,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Handler returns the handler that forwards to upstream path. route names the
// handler in logs and metrics.
func (f *Forwarder) Handler(route, path string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := f.forward(w, r, path)
		if f.observer != nil {
			f.observer.ObserveProxy(route, status)
		}
	})
}

func (f *Forwarder) forward(w http.ResponseWriter, r *http.Request, path string) int {
	target := f.base.ResolveReference(&url.URL{Path: path})
	target.RawQuery = r.URL.RawQuery

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return writeUpstreamError(w, errors.Wrap(err, "read request body"))
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), reader)
	if err != nil {
		return writeUpstreamError(w, err)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && len(body) > 0 {
		req.Header.Set("Content-Type", ct)
	}
	req.Header.Set("Accept", defaultContentType)
	key := r.Header.Get(gateway.APIKeyHeader)
	if key == "" {
		key = f.apiKey
	}
	if key != "" {
		req.Header.Set(gateway.APIKeyHeader, key)
	}

	started := time.Now()
	res, err := f.client.Do(req)
	if err != nil {
		log.Warn().Str("component", "proxy").Str("path", path).Err(err).Msg("upstream request failed")
		return writeUpstreamError(w, err)
	}
	defer func() { _ = res.Body.Close() }()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		log.Warn().Str("component", "proxy").Str("path", path).Err(err).Msg("upstream body read failed")
		return writeUpstreamError(w, err)
	}

	ct := res.Header.Get("Content-Type")
	if ct == "" {
		ct = defaultContentType
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(res.StatusCode)
	if _, err := w.Write(payload); err != nil {
		log.Debug().Str("component", "proxy").Err(err).Msg("client went away")
	}
	log.Debug().Str("component", "proxy").Str("path", path).Int("status", res.StatusCode).Dur("elapsed", time.Since(started)).Msg("proxied")
	return res.StatusCode
}

type upstreamError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func writeUpstreamError(w http.ResponseWriter, err error) int {
	w.Header().Set("Content-Type", defaultContentType)
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(upstreamError{Error: "Upstream request failed", Detail: err.Error()})
	return http.StatusBadGateway
}
