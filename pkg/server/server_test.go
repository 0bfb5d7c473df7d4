package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/go-go-golems/turnsearch/pkg/conversation"
	"github.com/go-go-golems/turnsearch/pkg/events"
	"github.com/go-go-golems/turnsearch/pkg/export"
	"github.com/go-go-golems/turnsearch/pkg/gateway"
	"github.com/go-go-golems/turnsearch/pkg/metrics"
	"github.com/go-go-golems/turnsearch/pkg/session"
)

type fakeGateway struct{}

func intp(v int) *int { return &v }

func (fakeGateway) Search(_ context.Context, req gateway.SearchRequest) (*gateway.SearchResponse, error) {
	return &gateway.SearchResponse{
		Status:       "ok",
		ChatID:       req.ChatID,
		CurrentTurn:  intp(0),
		TotalMatches: intp(2),
		Matches: []gateway.Product{
			{ID: "p1", Score: 0.9, Metadata: gateway.ProductMetadata{ItemNum: "1001", ExwQuotesPerPc: "3.2"}},
			{ID: "p2", Score: 0.4, HasVariation: true, FullData: []gateway.FullProduct{{ID: "p2-a"}, {ID: "p2-b"}}},
		},
	}, nil
}

func (fakeGateway) ApplyFilter(context.Context, gateway.FilterRequest) (*gateway.SearchResponse, error) {
	return nil, &gateway.StatusError{Op: "filter", StatusCode: http.StatusNotFound}
}

func (fakeGateway) ListChats(context.Context, int) ([]gateway.ChatSummary, error) {
	return []gateway.ChatSummary{{ChatID: "c-old", Query: "lamp"}}, nil
}

func (fakeGateway) ListTurns(context.Context, string, int, *bool) (*gateway.TurnsResponse, error) {
	return &gateway.TurnsResponse{Turns: []gateway.ConversationTurn{}}, nil
}

type viewDoc struct {
	ID                 string                   `json:"id"`
	Messages           []map[string]interface{} `json:"messages"`
	ActiveBotMessageID string                   `json:"activeBotMessageId"`
	Chats              []gateway.ChatSummary    `json:"chats"`
	Selected           []string                 `json:"selected"`
	Error              string                   `json:"error"`
}

type harness struct {
	t        *testing.T
	handler  http.Handler
	sessions *session.Manager
	metrics  *metrics.Recorder
}

func newHarness(t *testing.T, limiter *RateLimiter) *harness {
	t.Helper()
	sessions := session.NewManager(fakeGateway{}, conversation.Options{})
	rec := metrics.New()
	return &harness{
		t:        t,
		handler:  NewHandler(Deps{Sessions: sessions, Metrics: rec, Limiter: limiter}),
		sessions: sessions,
		metrics:  rec,
	}
}

func (h *harness) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) view(rec *httptest.ResponseRecorder) viewDoc {
	h.t.Helper()
	var v viewDoc
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (h *harness) newSession() viewDoc {
	rec := h.do(http.MethodPost, "/api/sessions", nil)
	require.Equal(h.t, http.StatusCreated, rec.Code)
	v := h.view(rec)
	require.NotEmpty(h.t, v.ID)
	return v
}

func TestSessionQueryFlow(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.newSession().ID

	rec := h.do(http.MethodPost, "/api/sessions/"+sid+"/messages", map[string]string{"text": "blue lamp"})
	require.Equal(t, http.StatusOK, rec.Code)
	v := h.view(rec)
	require.Len(t, v.Messages, 2)
	require.Equal(t, "user", v.Messages[0]["type"])
	require.Equal(t, "bot", v.Messages[1]["type"])
	require.Equal(t, v.ActiveBotMessageID, v.Messages[1]["id"])
	require.Equal(t, "Showing 2 results", v.Messages[1]["countLabel"])
	require.Len(t, v.Chats, 1)

	rec = h.do(http.MethodGet, "/api/sessions/"+sid+"/chats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "c-old")

	rec = h.do(http.MethodPost, "/api/sessions/"+sid+"/messages/"+v.ActiveBotMessageID+"/filters",
		map[string]interface{}{"selected": map[string]string{"color": "blue"}})
	require.Equal(t, http.StatusOK, rec.Code)
	v = h.view(rec)
	require.Equal(t, "No cached results found. Please run a new search.", v.Messages[1]["error"])

	rec = h.do(http.MethodDelete, "/api/sessions/"+sid+"/messages/"+v.ActiveBotMessageID+"/error", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, h.view(rec).Messages[1]["error"])

	rec = h.do(http.MethodPost, "/api/sessions/"+sid+"/new", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, h.view(rec).Messages)
}

func TestErrorStatusMapping(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.newSession().ID

	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/sessions/nope", nil).Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/api/sessions/"+sid+"/messages", map[string]string{"text": "  "}).Code)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/sessions/"+sid+"/messages/missing/reset", nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/api/sessions/"+sid+"/messages/missing/turns/1", nil).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sid+"/messages", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	require.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/api/sessions/"+sid, nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/api/sessions/"+sid, nil).Code)
}

func TestSelectionAndExport(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.newSession().ID
	require.Equal(t, http.StatusNotFound, h.do(http.MethodPut, "/api/sessions/"+sid+"/selection", map[string]string{"product_id": "p1"}).Code)

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/sessions/"+sid+"/messages", map[string]string{"text": "lamp"}).Code)
	require.Equal(t, http.StatusConflict, h.do(http.MethodGet, "/api/sessions/"+sid+"/export", nil).Code)

	rec := h.do(http.MethodPut, "/api/sessions/"+sid+"/selection", map[string]string{"product_id": "p2"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"p2-a", "p2-b"}, h.view(rec).Selected)

	rec = h.do(http.MethodPut, "/api/sessions/"+sid+"/selection", map[string]string{"product_id": "p1"})
	require.Equal(t, []string{"p2-a", "p2-b", "p1"}, h.view(rec).Selected)

	require.Equal(t, http.StatusNotFound, h.do(http.MethodPut, "/api/sessions/"+sid+"/selection", map[string]string{"product_id": "zzz"}).Code)

	rec = h.do(http.MethodGet, "/api/sessions/"+sid+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, export.ContentType, rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), export.FileName)

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := f.GetRows(export.SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	require.Equal(t, "1001", rows[3][0])
	require.Equal(t, "3$", rows[3][1])

	rec = h.do(http.MethodGet, "/api/sessions/"+sid, nil)
	require.Empty(t, h.view(rec).Selected)
}

func TestRateLimitedSessions(t *testing.T) {
	h := newHarness(t, NewRateLimiter(0.001, 1))
	h.newSession()
	rec := h.do(http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.newSession()
	rec := h.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `turnsearch_http_requests_total{code="201",route="/api/sessions"} 1`)
	require.Contains(t, body, "turnsearch_sessions_active 1")
}

func TestWebsocketReceivesViews(t *testing.T) {
	h := newHarness(t, nil)
	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)
	sid := h.newSession().ID

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=" + sid
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	readView := func() viewDoc {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var v viewDoc
		require.NoError(t, json.Unmarshal(data, &v))
		return v
	}
	require.Equal(t, sid, readView().ID)

	sess, ok := h.sessions.Lookup(sid)
	require.True(t, ok)
	require.Eventually(t, func() bool { return sess.Pool.Count() == 1 }, time.Second, 10*time.Millisecond)

	_, err = sess.SendQuery(context.Background(), conversation.Query{Text: "lamp"})
	require.NoError(t, err)
	require.NoError(t, fanout(h.sessions)(context.Background(), events.Update{SessionID: sid, Kind: "query"}))
	require.Len(t, readView().Messages, 2)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?session_id=missing", nil)
	require.Error(t, err)
}
