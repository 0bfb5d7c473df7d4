package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnsearch/pkg/conversation"
	"github.com/go-go-golems/turnsearch/pkg/events"
	"github.com/go-go-golems/turnsearch/pkg/gateway"
)

type stubGateway struct{}

func (stubGateway) Search(_ context.Context, req gateway.SearchRequest) (*gateway.SearchResponse, error) {
	return &gateway.SearchResponse{ChatID: req.ChatID, Matches: []gateway.Product{{ID: "p1"}}}, nil
}

func (stubGateway) ApplyFilter(context.Context, gateway.FilterRequest) (*gateway.SearchResponse, error) {
	return nil, &gateway.StatusError{Op: "filter", StatusCode: 404}
}

func (stubGateway) ListChats(context.Context, int) ([]gateway.ChatSummary, error) {
	return []gateway.ChatSummary{}, nil
}

func (stubGateway) ListTurns(context.Context, string, int, *bool) (*gateway.TurnsResponse, error) {
	return &gateway.TurnsResponse{Turns: []gateway.ConversationTurn{}}, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []events.Update
}

func (p *recordingPublisher) Publish(_ context.Context, u events.Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *recordingPublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.updates))
	for _, u := range p.updates {
		out = append(out, u.Kind)
	}
	return out
}

type stubConn struct {
	mu       sync.Mutex
	writes   int
	blockCh  chan struct{}
	closedCh chan struct{}
}

func newStubConn(blockWrites bool) *stubConn {
	blockCh := make(chan struct{})
	if !blockWrites {
		close(blockCh)
	}
	return &stubConn{blockCh: blockCh, closedCh: make(chan struct{})}
}

func (s *stubConn) WriteMessage(_ int, _ []byte) error {
	select {
	case <-s.closedCh:
		return errors.New("closed")
	case <-s.blockCh:
	}
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
	return nil
}

func (s *stubConn) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *stubConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closedCh:
	default:
		close(s.closedCh)
	}
	return nil
}

func (s *stubConn) SetWriteDeadline(_ time.Time) error { return nil }

func TestManagerCreatePublishesStoreChanges(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewManager(stubGateway{}, conversation.Options{}, WithPublisher(pub))
	sess := m.Create(Options{TopK: 5, Source: "catalog"})

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	require.Same(t, sess, got)

	sess.Selection.Toggle(gateway.Product{ID: "old"})
	bot, err := sess.SendQuery(context.Background(), conversation.Query{Text: "lamp"})
	require.NoError(t, err)
	require.Equal(t, 0, sess.Selection.Len())
	require.Equal(t, "catalog", bot.OriginalQuery.Source)

	require.NoError(t, sess.Store.ApplyFilters(context.Background(), bot.ID, map[string]string{"a": "b"}))
	kinds := pub.kinds()
	require.Contains(t, kinds, string(conversation.OpQuery))
	require.Contains(t, kinds, string(conversation.OpFilter))
	require.Contains(t, kinds, string(conversation.OpChats))

	m.Touch(sess, "selection")
	require.Equal(t, "selection", pub.kinds()[len(pub.kinds())-1])
}

func TestManagerDelete(t *testing.T) {
	m := NewManager(stubGateway{}, conversation.Options{})
	sess := m.Create(Options{})
	conn := newStubConn(false)
	sess.Pool.Add(conn)

	require.NoError(t, m.Delete(sess.ID))
	require.ErrorIs(t, m.Delete(sess.ID), ErrSessionNotFound)
	_, err := m.Get(sess.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.True(t, sess.Pool.IsEmpty())
}

func TestEvictIdleOnce(t *testing.T) {
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	m := NewManager(stubGateway{}, conversation.Options{}, WithClock(clock))
	m.SetEvictionConfig(time.Minute, time.Second)

	idle := m.Create(Options{})
	watched := m.Create(Options{})
	watched.Pool.Add(newStubConn(false))

	require.Zero(t, m.evictIdleOnce(now.Add(30*time.Second)))
	require.Equal(t, 1, m.evictIdleOnce(now.Add(2*time.Minute)))

	_, ok := m.Lookup(idle.ID)
	require.False(t, ok)
	_, ok = m.Lookup(watched.ID)
	require.True(t, ok)
}

func TestConnectionPoolBroadcast(t *testing.T) {
	pool := NewConnectionPool("s1")
	a, b := newStubConn(false), newStubConn(false)
	pool.Add(a)
	pool.Add(b)
	require.Equal(t, 2, pool.Count())

	pool.Broadcast([]byte("snap"))
	require.Eventually(t, func() bool { return a.Writes() == 1 && b.Writes() == 1 }, time.Second, 10*time.Millisecond)

	pool.SendToOne(a, []byte("hello"))
	require.Eventually(t, func() bool { return a.Writes() == 2 }, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, b.Writes())

	pool.Remove(a)
	require.Equal(t, 1, pool.Count())
	pool.CloseAll()
	require.True(t, pool.IsEmpty())
}

func TestConnectionPoolDropsOnFullBuffer(t *testing.T) {
	pool := NewConnectionPool("s1")
	pool.sendBuffer = 1
	pool.writeTimeout = 0

	conn := newStubConn(true)
	pool.Add(conn)

	pool.Broadcast([]byte("one"))
	pool.Broadcast([]byte("two"))
	pool.Broadcast([]byte("three"))

	require.Eventually(t, func() bool {
		return pool.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSelectionToggleGroupedProduct(t *testing.T) {
	s := NewSelectionSet()
	grouped := gateway.Product{
		ID:           "g1",
		HasVariation: true,
		FullData:     []gateway.FullProduct{{ID: "v1", Score: 0.9}, {ID: "v2", Score: 0.8}},
	}

	require.True(t, s.Toggle(grouped))
	require.Equal(t, []string{"v1", "v2"}, s.IDs())

	require.False(t, s.ToggleVariant(grouped, "v1"))
	require.Equal(t, []string{"v2"}, s.IDs())

	// partially selected: toggling selects everything again
	require.True(t, s.Toggle(grouped))
	require.Equal(t, []string{"v2", "v1"}, s.IDs())

	require.False(t, s.Toggle(grouped))
	require.Zero(t, s.Len())

	require.True(t, s.Toggle(gateway.Product{ID: "plain"}))
	require.True(t, s.Toggle(gateway.Product{ID: "flagged", HasVariation: true}))
	products := s.Products()
	require.Len(t, products, 2)
	require.Equal(t, "plain", products[0].ID)
	s.Clear()
	require.Zero(t, s.Len())
}

func TestSelectionVariantsInheritParentFields(t *testing.T) {
	s := NewSelectionSet()
	grouped := gateway.Product{
		ID:           "g1",
		Score:        0.7,
		HasVariation: true,
		Metadata:     gateway.ProductMetadata{RequestDate: "2024-01-01", SampleStatus: "sent", UVol: "2", Source: "catalog"},
		FullData: []gateway.FullProduct{
			{ID: "v1", Metadata: gateway.ProductMetadata{ItemNum: "11", Source: "ignored"}},
		},
	}
	require.True(t, s.Toggle(grouped))
	got := s.Products()
	require.Len(t, got, 1)
	require.Equal(t, gateway.Flex("11"), got[0].Metadata.ItemNum)
	require.Equal(t, "2024-01-01", got[0].Metadata.RequestDate)
	require.Equal(t, "sent", got[0].Metadata.SampleStatus)
	require.Equal(t, gateway.Flex("2"), got[0].Metadata.UVol)
	require.Equal(t, "catalog", got[0].Metadata.Source)
	require.InDelta(t, 0.7, got[0].Score, 1e-9)
}
