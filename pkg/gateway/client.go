package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	SearchPath = "/api/search/hybrid"
	FilterPath = "/api/search/filter"
	ChatsPath  = "/api/search/chats"
	TurnsPath  = "/api/search/turns"

	APIKeyHeader = "X-API-Key"
)

// Config describes how to reach the search backend.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds a single request. Zero means no client-side timeout.
	Timeout time.Duration
}

// Observer receives one call per completed backend request.
type Observer interface {
	ObserveGatewayCall(op string, outcome string, elapsed time.Duration)
}

// SearchRequest is the input of a hybrid search.
type SearchRequest struct {
	Text string
	// Image is a base64 data URL; empty when the query is text only.
	Image         string
	TopK          int
	ConfThreshold float64
	ChatID        string
	Source        string
}

// FilterRequest is the input of an apply-filter call.
type FilterRequest struct {
	ChatID   string
	FromTurn int
	Filters  []Filter
}

// Client talks to the remote search gateway.
type Client struct {
	base     *url.URL
	apiKey   string
	http     *http.Client
	observer Observer
}

type ClientOption func(*Client)

// WithHTTPClient overrides the underlying http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithObserver(o Observer) ClientOption {
	return func(cl *Client) { cl.observer = o }
}

func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("gateway: empty base url")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "gateway: parse base url")
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.Errorf("gateway: base url %q must be absolute", raw)
	}
	c := &Client{
		base:   base,
		apiKey: cfg.APIKey,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Endpoint resolves an absolute backend URL for path.
func (c *Client) Endpoint(path string) *url.URL {
	return c.base.ResolveReference(&url.URL{Path: path})
}

// Search runs a hybrid text and/or image search.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	const op = "search"
	params := url.Values{}
	if req.Text != "" {
		params.Set("text", req.Text)
	}
	params.Set("top_k", strconv.Itoa(req.TopK))
	params.Set("conf_t", strconv.FormatFloat(req.ConfThreshold, 'f', -1, 64))
	params.Set("chat_id", req.ChatID)
	if req.Source != "" {
		params.Set("source", req.Source)
	}

	var (
		body        io.Reader
		contentType string
	)
	if req.Image != "" {
		buf, ct, err := imageForm(req.Image)
		if err != nil {
			return nil, &ValidationError{Op: op, Field: "image", Reason: err.Error()}
		}
		body, contentType = buf, ct
	}

	raw, err := c.do(ctx, op, http.MethodPost, SearchPath, params, body, contentType)
	if err != nil {
		return nil, err
	}
	return DecodeSearchResponse(op, raw)
}

// ApplyFilter narrows the results of a chat starting from a given turn.
func (c *Client) ApplyFilter(ctx context.Context, req FilterRequest) (*SearchResponse, error) {
	const op = "filter"
	filters := req.Filters
	if filters == nil {
		filters = []Filter{}
	}
	encoded, err := json.Marshal(filters)
	if err != nil {
		return nil, errors.Wrap(err, "gateway: marshal filters")
	}
	params := url.Values{}
	params.Set("chat_id", req.ChatID)
	params.Set("from_turn", strconv.Itoa(req.FromTurn))
	params.Set("filters", string(encoded))

	raw, err := c.do(ctx, op, http.MethodPost, FilterPath, params, nil, "")
	if err != nil {
		return nil, err
	}
	return DecodeSearchResponse(op, raw)
}

// ListChats returns the most recent chats.
func (c *Client) ListChats(ctx context.Context, limit int) ([]ChatSummary, error) {
	const op = "list_chats"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	raw, err := c.do(ctx, op, http.MethodGet, ChatsPath, params, nil, "")
	if err != nil {
		return nil, err
	}
	resp, err := DecodeChatsResponse(op, raw)
	if err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// ListTurns returns the turns of a chat. rehydrate is sent only when non-nil.
func (c *Client) ListTurns(ctx context.Context, chatID string, limit int, rehydrate *bool) (*TurnsResponse, error) {
	const op = "list_turns"
	params := url.Values{}
	params.Set("chat_id", chatID)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if rehydrate != nil {
		params.Set("rehydrate", strconv.FormatBool(*rehydrate))
	}
	raw, err := c.do(ctx, op, http.MethodGet, TurnsPath, params, nil, "")
	if err != nil {
		return nil, err
	}
	return DecodeTurnsResponse(op, raw)
}

func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body io.Reader, contentType string) ([]byte, error) {
	started := time.Now()
	raw, err := c.roundTrip(ctx, op, method, path, params, body, contentType)
	if c.observer != nil {
		c.observer.ObserveGatewayCall(op, Kind(err), time.Since(started))
	}
	if err != nil {
		log.Debug().Str("component", "gateway").Str("op", op).Err(err).Msg("backend call failed")
	}
	return raw, err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, params url.Values, body io.Reader, contentType string) ([]byte, error) {
	u := c.Endpoint(path)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrapf(err, "gateway: build %s request", op)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{Op: op, StatusCode: res.StatusCode, Body: truncate(string(raw), 512)}
	}
	return raw, nil
}

func imageForm(dataURL string) (*bytes.Buffer, string, error) {
	mimeType, data, err := DecodeDataURL(dataURL)
	if err != nil {
		return nil, "", err
	}
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
