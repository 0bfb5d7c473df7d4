package conversation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-go-golems/turnsearch/pkg/gateway"
	"github.com/go-go-golems/turnsearch/pkg/refine"
	"github.com/go-go-golems/turnsearch/pkg/turncache"
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Message is one chat bubble: either a *UserMessage or a *BotMessage.
// Stored messages are never mutated; updates replace them by id.
type Message interface {
	MessageID() string
	Role() Role
	sealed()
}

// UserMessage is a query as the user typed it.
type UserMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Image     string    `json:"image,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *UserMessage) MessageID() string { return m.ID }
func (m *UserMessage) Role() Role        { return RoleUser }
func (m *UserMessage) sealed()           {}

func (m *UserMessage) MarshalJSON() ([]byte, error) {
	type alias UserMessage
	return json.Marshal(struct {
		Type Role `json:"type"`
		*alias
	}{Type: RoleUser, alias: (*alias)(m)})
}

// Query is the text, image and source that produced turn 0 of a chat.
type Query struct {
	Text   string `json:"text"`
	Image  string `json:"image,omitempty"`
	Source string `json:"source,omitempty"`
}

// Empty reports whether q carries neither text nor an image.
func (q Query) Empty() bool {
	return trimmed(q.Text) == "" && q.Image == ""
}

// Counts are the total and grouped match counts reported by the backend.
type Counts struct {
	Total   *int `json:"totalMatches,omitempty"`
	Grouped *int `json:"groupedMatches,omitempty"`
}

func countsOf(resp *gateway.SearchResponse) Counts {
	return Counts{Total: resp.TotalMatches, Grouped: resp.GroupedMatches}
}

// Label renders the result count line shown above the product grid.
func (c Counts) Label() string {
	switch {
	case c.Grouped != nil && c.Total != nil:
		return fmt.Sprintf("Showing %d results", *c.Grouped)
	case c.Total != nil:
		return fmt.Sprintf("Showing %d results", *c.Total)
	default:
		return ""
	}
}

// Thread is the turn state of a bot message that belongs to a backend chat.
type Thread struct {
	ChatID      string                    `json:"chatId"`
	CurrentTurn int                       `json:"currentTurn"`
	History     []gateway.TurnHistoryItem `json:"turnHistory"`
	Cache       turncache.Cache           `json:"turnCache"`
}

func (t *Thread) clone() *Thread {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// BotMessage is a response bubble. Thread is nil for failure messages.
type BotMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	Results        []gateway.Product `json:"searchResults,omitempty"`
	Counts         Counts            `json:"counts"`
	OriginalCounts Counts            `json:"originalCounts"`

	RefinementQuestions []gateway.RefinementQuestion `json:"refinementQuestions,omitempty"`
	// RefinementVersion increases whenever a new question set is shown.
	RefinementVersion int              `json:"refinementVersion"`
	SelectedFilters   refine.Selection `json:"selectedFilters,omitempty"`

	OriginalQuery *Query  `json:"originalQuery,omitempty"`
	Thread        *Thread `json:"thread,omitempty"`

	// Error is the recoverable, message-scoped error shown near the refinement UI.
	Error string `json:"error,omitempty"`
}

func (m *BotMessage) MessageID() string { return m.ID }
func (m *BotMessage) Role() Role        { return RoleBot }
func (m *BotMessage) sealed()           {}

func (m *BotMessage) MarshalJSON() ([]byte, error) {
	type alias BotMessage
	return json.Marshal(struct {
		Type       Role   `json:"type"`
		CountLabel string `json:"countLabel,omitempty"`
		*alias
	}{Type: RoleBot, CountLabel: m.Counts.Label(), alias: (*alias)(m)})
}

// ChatID returns the chat the message belongs to, or "".
func (m *BotMessage) ChatID() string {
	if m.Thread == nil {
		return ""
	}
	return m.Thread.ChatID
}

// CurrentTurn returns the displayed turn and whether the message has turns.
func (m *BotMessage) CurrentTurn() (int, bool) {
	if m.Thread == nil {
		return 0, false
	}
	return m.Thread.CurrentTurn, true
}

// Product looks up a displayed result by id.
func (m *BotMessage) Product(id string) (gateway.Product, bool) {
	for _, p := range m.Results {
		if p.ID == id {
			return p, true
		}
	}
	return gateway.Product{}, false
}

func (m *BotMessage) clone() *BotMessage {
	c := *m
	c.Thread = m.Thread.clone()
	return &c
}

func (m *BotMessage) withError(msg string) *BotMessage {
	c := m.clone()
	c.Error = msg
	return c
}
