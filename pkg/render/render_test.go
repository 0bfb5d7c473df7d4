package render

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnsearch/pkg/conversation"
	"github.com/go-go-golems/turnsearch/pkg/gateway"
	"github.com/go-go-golems/turnsearch/pkg/refine"
)

func intp(v int) *int { return &v }

func TestBotMessagePlain(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf, WithStyled(false))

	m := &conversation.BotMessage{
		ID:      "b1",
		Content: "Found 2 matching products.",
		Counts:  conversation.Counts{Total: intp(2)},
		Results: []gateway.Product{
			{ID: "p1", Score: 0.9, Metadata: gateway.ProductMetadata{ItemNum: "1001", Description: "oak table", FactoryName: "Acme"}},
			{ID: "p2", Score: 0.5, HasVariation: true, VariationCount: 3, Metadata: gateway.ProductMetadata{ItemNum: "1002"}},
		},
		RefinementQuestions: []gateway.RefinementQuestion{
			{ID: "color", Label: "Color", Options: []gateway.QuestionOption{{Value: "blue", Label: "Blue"}, {Value: "red", Label: "Red"}}},
		},
		SelectedFilters: refine.Selection{"color": "red"},
		Thread: &conversation.Thread{
			ChatID:      "c1",
			CurrentTurn: 1,
			History: []gateway.TurnHistoryItem{
				{TurnIndex: 1, Role: "filter", MatchCount: 1, FiltersApplied: []gateway.Filter{{QuestionID: "color", SelectedValue: "red"}}},
				{TurnIndex: 0, Role: "search", MatchCount: 2},
			},
		},
	}
	require.NoError(t, p.BotMessage(m))

	out := buf.String()
	require.Contains(t, out, "Found 2 matching products.")
	require.Contains(t, out, "Showing 2 results")
	require.Contains(t, out, "oak table")
	require.Contains(t, out, "1002")
	require.Contains(t, out, "90.0%")
	require.Contains(t, out, "**Red**")
	require.Contains(t, out, "0. search, 2 matches, filters: none")
	require.Contains(t, out, "1. filter, 1 matches, filters: color=red *(current)*")
	require.Less(t, bytes.Index(buf.Bytes(), []byte("0. search")), bytes.Index(buf.Bytes(), []byte("1. filter")))
}

func TestBotMessageError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, WithStyled(false)).BotMessage(&conversation.BotMessage{Content: "x", Error: "Turn 4 is not cached."}))
	require.Contains(t, buf.String(), "error: Turn 4 is not cached.")
}

func TestChatsRelativeTime(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	p := New(&buf, WithStyled(false), WithClock(func() time.Time { return now }))
	require.NoError(t, p.Chats([]gateway.ChatSummary{
		{ChatID: "c1", Query: "blue lamp", TurnIndex: 2, MatchCount: 1200, CreatedAt: "2024-05-01T10:00:00Z"},
		{ChatID: "c2", CreatedAt: "garbage"},
	}))
	out := buf.String()
	require.Contains(t, out, "blue lamp")
	require.Contains(t, out, "1,200 results")
	require.Contains(t, out, "2 hours ago")
	require.Contains(t, out, "(image search)")
	require.Contains(t, out, "unknown")
}

func TestChatsEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(&buf, WithStyled(false)).Chats(nil))
	require.Equal(t, "No chats yet.\n", buf.String())
}
