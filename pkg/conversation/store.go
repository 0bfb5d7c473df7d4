// Package conversation owns the state of one page session: the message list,
// the active message and chat, the recent chats, and the per-message turn
// caches. Store is the only mutator of that state.
package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnsearch/pkg/gateway"
	"github.com/go-go-golems/turnsearch/pkg/refine"
	"github.com/go-go-golems/turnsearch/pkg/turncache"
)

var (
	ErrEmptyQuery      = errors.New("conversation: query has neither text nor image")
	ErrBusy            = errors.New("conversation: another operation is in flight")
	ErrMessageNotFound = errors.New("conversation: bot message not found")
)

const (
	msgNoMatches     = "Sorry, I couldn't find any matches."
	msgSearchFailed  = "Sorry, something went wrong while searching."
	msgNoCache       = "No cached results found. Please run a new search."
	msgFilterFailed  = "Sorry, something went wrong while applying that filter."
	msgTurn0Missing  = "Turn 0 is not cached. Please run a new search."
	msgResetFailed   = "Sorry, something went wrong while resetting refinements."
	msgLoadFailed    = "Sorry, failed to load this conversation."
	msgNoTurns       = "No turns in this chat yet."
	defaultTopK      = 3
	defaultConfT     = 0.3
	defaultListLimit = 50
)

// Gateway is the subset of the search backend the store drives.
type Gateway interface {
	Search(ctx context.Context, req gateway.SearchRequest) (*gateway.SearchResponse, error)
	ApplyFilter(ctx context.Context, req gateway.FilterRequest) (*gateway.SearchResponse, error)
	ListChats(ctx context.Context, limit int) ([]gateway.ChatSummary, error)
	ListTurns(ctx context.Context, chatID string, limit int, rehydrate *bool) (*gateway.TurnsResponse, error)
}

// Op names the operation that changed the store.
type Op string

const (
	OpQuery    Op = "query"
	OpFilter   Op = "filter"
	OpReset    Op = "reset"
	OpTurn     Op = "turn"
	OpLoad     Op = "load"
	OpNewChat  Op = "new_chat"
	OpChats    Op = "chats"
	OpClearErr Op = "clear_error"
)

// Event is emitted after every state change, outside the store lock.
type Event struct {
	Op        Op
	MessageID string
}

// Options configure a Store. Zero values fall back to the search defaults.
type Options struct {
	TopK          int
	ConfThreshold float64
	// Source is used when a query does not name one.
	Source        string
	ChatListLimit int
	TurnListLimit int

	NewID    func() string
	Now      func() time.Time
	Notifier func(Event)
}

func (o Options) withDefaults() Options {
	if o.TopK <= 0 {
		o.TopK = defaultTopK
	}
	if o.ConfThreshold <= 0 {
		o.ConfThreshold = defaultConfT
	}
	if o.ChatListLimit <= 0 {
		o.ChatListLimit = defaultListLimit
	}
	if o.TurnListLimit <= 0 {
		o.TurnListLimit = defaultListLimit
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Snapshot is a read-only view of the store.
type Snapshot struct {
	Messages           []Message             `json:"messages"`
	ActiveBotMessageID string                `json:"activeBotMessageId,omitempty"`
	ActiveChatID       string                `json:"activeChatId,omitempty"`
	StoredChatID       string                `json:"storedChatId,omitempty"`
	Chats              []gateway.ChatSummary `json:"chats"`
	Loading            bool                  `json:"isLoading"`
	Filtering          bool                  `json:"isFiltering"`
	TurnsLoading       bool                  `json:"isTurnsLoading"`
	ChatsLoading       bool                  `json:"isChatsLoading"`
	Error              string                `json:"error,omitempty"`
}

// Bot returns the bot message with the given id.
func (s Snapshot) Bot(id string) (*BotMessage, bool) {
	for _, m := range s.Messages {
		if b, ok := m.(*BotMessage); ok && b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// ActiveBot returns the active bot message.
func (s Snapshot) ActiveBot() (*BotMessage, bool) {
	if s.ActiveBotMessageID == "" {
		return nil, false
	}
	return s.Bot(s.ActiveBotMessageID)
}

// Busy reports whether a mutating operation is in flight.
func (s Snapshot) Busy() bool {
	return s.Loading || s.Filtering || s.TurnsLoading
}

// Store holds the conversation state of one page session.
//
// The lock is never held across a gateway call: an operation marks the store
// busy, releases the lock for the round trip, then re-locks and replaces the
// target message by id. A second mutating operation started meanwhile gets
// ErrBusy. Snapshot never waits on the network.
type Store struct {
	gw   Gateway
	opts Options

	mu           sync.Mutex
	messages     []Message
	activeBotID  string
	activeChatID string
	storedChatID string
	chats        []gateway.ChatSummary
	loading      bool
	filtering    bool
	turnsLoading bool
	chatsLoading bool
	err          string
}

func NewStore(gw Gateway, opts Options) *Store {
	return &Store{gw: gw, opts: opts.withDefaults(), chats: []gateway.ChatSummary{}}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Messages:           append([]Message{}, s.messages...),
		ActiveBotMessageID: s.activeBotID,
		ActiveChatID:       s.activeChatID,
		StoredChatID:       s.storedChatID,
		Chats:              append([]gateway.ChatSummary{}, s.chats...),
		Loading:            s.loading,
		Filtering:          s.filtering,
		TurnsLoading:       s.turnsLoading,
		ChatsLoading:       s.chatsLoading,
		Error:              s.err,
	}
}

// Busy reports whether a mutating operation is in flight.
func (s *Store) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busyLocked()
}

func (s *Store) busyLocked() bool {
	return s.loading || s.filtering || s.turnsLoading
}

func (s *Store) notify(op Op, messageID string) {
	if s.opts.Notifier != nil {
		s.opts.Notifier(Event{Op: op, MessageID: messageID})
	}
}

func (s *Store) botLocked(id string) (*BotMessage, int, error) {
	for i, m := range s.messages {
		if b, ok := m.(*BotMessage); ok && b.ID == id {
			return b, i, nil
		}
	}
	return nil, -1, ErrMessageNotFound
}

func (s *Store) replaceLocked(m *BotMessage) {
	for i, cur := range s.messages {
		if cur.MessageID() == m.ID {
			s.messages[i] = m
			return
		}
	}
}

// SendQuery starts a new chat for q and appends the user message followed by
// the bot response. A failed search appends a failure message instead of
// returning an error.
func (s *Store) SendQuery(ctx context.Context, q Query) (*BotMessage, error) {
	if q.Empty() {
		return nil, ErrEmptyQuery
	}
	if q.Source == "" {
		q.Source = s.opts.Source
	}

	s.mu.Lock()
	if s.busyLocked() {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.loading = true
	s.err = ""
	for i, m := range s.messages {
		if b, ok := m.(*BotMessage); ok && b.Error != "" {
			s.messages[i] = b.withError("")
		}
	}
	user := &UserMessage{ID: s.opts.NewID(), Content: q.Text, Image: q.Image, Timestamp: s.opts.Now()}
	s.messages = append(s.messages, user)
	chatID := s.opts.NewID()
	s.storedChatID = chatID
	s.mu.Unlock()
	s.notify(OpQuery, user.ID)

	resp, err := s.gw.Search(ctx, gateway.SearchRequest{
		Text:          q.Text,
		Image:         q.Image,
		TopK:          s.opts.TopK,
		ConfThreshold: s.opts.ConfThreshold,
		ChatID:        chatID,
		Source:        q.Source,
	})

	s.mu.Lock()
	s.loading = false
	bot := &BotMessage{ID: s.opts.NewID(), Timestamp: s.opts.Now()}
	if err != nil {
		log.Warn().Str("component", "conversation").Str("chat_id", chatID).Str("kind", gateway.Kind(err)).Err(err).Msg("search failed")
		bot.Content = msgSearchFailed
	} else {
		nextChatID := orDefault(resp.ChatID, chatID)
		s.storedChatID = nextChatID
		s.activeChatID = nextChatID
		history := orEmptyHistory(resp.TurnHistory)
		turn := resp.TurnIndex()
		bot.Content = noMatchesOr(len(resp.Matches), "")
		bot.Results = resp.Matches
		bot.Counts = countsOf(resp)
		bot.OriginalCounts = countsOf(resp)
		bot.RefinementQuestions = orEmptyQuestions(resp.RefinementQuestions)
		bot.SelectedFilters = selectionFor(resp, history, turn)
		bot.OriginalQuery = &Query{Text: q.Text, Image: q.Image, Source: q.Source}
		bot.Thread = &Thread{
			ChatID:      nextChatID,
			CurrentTurn: turn,
			History:     history,
			Cache:       turncache.Update(nil, resp),
		}
	}
	s.messages = append(s.messages, bot)
	s.activeBotID = bot.ID
	s.mu.Unlock()
	s.notify(OpQuery, bot.ID)

	if err == nil {
		s.RefreshChats(ctx)
	}
	return bot, nil
}

// ApplyFilters narrows the results of a bot message from its current turn.
// Messages without a chat are left alone. Backend failures are recorded on
// the message rather than returned.
func (s *Store) ApplyFilters(ctx context.Context, messageID string, selected map[string]string) error {
	s.mu.Lock()
	msg, _, err := s.botLocked(messageID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if msg.ChatID() == "" {
		s.mu.Unlock()
		return nil
	}
	if s.busyLocked() {
		s.mu.Unlock()
		return ErrBusy
	}
	s.filtering = true
	s.replaceLocked(msg.withError(""))
	chatID := msg.Thread.ChatID
	fromTurn := msg.Thread.CurrentTurn
	s.mu.Unlock()
	s.notify(OpFilter, messageID)

	resp, err := s.gw.ApplyFilter(ctx, gateway.FilterRequest{
		ChatID:   chatID,
		FromTurn: fromTurn,
		Filters:  filtersOf(selected),
	})

	s.mu.Lock()
	s.filtering = false
	cur, _, lookupErr := s.botLocked(messageID)
	if lookupErr != nil {
		s.mu.Unlock()
		log.Warn().Str("component", "conversation").Str("message_id", messageID).Msg("message vanished during filter")
		return nil
	}
	switch {
	case err != nil && gateway.IsNotFound(err):
		s.replaceLocked(cur.withError(msgNoCache))
	case err != nil:
		log.Warn().Str("component", "conversation").Str("chat_id", chatID).Str("kind", gateway.Kind(err)).Err(err).Msg("apply filter failed")
		s.replaceLocked(cur.withError(msgFilterFailed))
	default:
		next := cur.clone()
		nextChatID := orDefault(resp.ChatID, chatID)
		s.storedChatID = nextChatID
		th := next.Thread
		th.ChatID = nextChatID
		if resp.TurnHistory != nil {
			th.History = resp.TurnHistory
		}
		if resp.CurrentTurn != nil {
			th.CurrentTurn = *resp.CurrentTurn
		}
		th.Cache = turncache.Update(th.Cache, resp)
		next.Content = noMatchesOr(len(resp.Matches), fmt.Sprintf("Filtered to %d matches.", len(resp.Matches)))
		next.Results = resp.Matches
		next.Counts = countsOf(resp)
		next.RefinementQuestions = orEmptyQuestions(resp.RefinementQuestions)
		next.RefinementVersion++
		next.SelectedFilters = selectionFor(resp, th.History, th.CurrentTurn)
		s.replaceLocked(next)
	}
	s.mu.Unlock()
	s.notify(OpFilter, messageID)

	if err == nil {
		s.RefreshChats(ctx)
	}
	return nil
}

// ResetRefinements returns a message to its unfiltered state: turn 0 when the
// message has turn history, otherwise the original query re-run under a new
// chat id.
func (s *Store) ResetRefinements(ctx context.Context, messageID string) error {
	s.mu.Lock()
	msg, _, err := s.botLocked(messageID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if msg.Thread != nil && len(msg.Thread.History) > 0 {
		_, cached := msg.Thread.Cache.Get(0)
		if !cached {
			s.replaceLocked(msg.withError(msgTurn0Missing))
			s.mu.Unlock()
			s.notify(OpReset, messageID)
			return nil
		}
		s.mu.Unlock()
		return s.SwitchToTurn(ctx, messageID, 0)
	}
	if msg.OriginalQuery == nil {
		s.mu.Unlock()
		return nil
	}
	if s.busyLocked() {
		s.mu.Unlock()
		return ErrBusy
	}
	q := *msg.OriginalQuery
	chatID := s.opts.NewID()
	s.storedChatID = chatID
	s.filtering = true
	s.replaceLocked(msg.withError(""))
	s.mu.Unlock()
	s.notify(OpReset, messageID)

	resp, err := s.gw.Search(ctx, gateway.SearchRequest{
		Text:          q.Text,
		Image:         q.Image,
		TopK:          s.opts.TopK,
		ConfThreshold: s.opts.ConfThreshold,
		ChatID:        chatID,
		Source:        q.Source,
	})

	s.mu.Lock()
	s.filtering = false
	cur, _, lookupErr := s.botLocked(messageID)
	if lookupErr != nil {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		log.Warn().Str("component", "conversation").Str("chat_id", chatID).Str("kind", gateway.Kind(err)).Err(err).Msg("reset search failed")
		s.replaceLocked(cur.withError(msgResetFailed))
	} else {
		next := cur.clone()
		nextChatID := orDefault(resp.ChatID, chatID)
		s.storedChatID = nextChatID
		history := orEmptyHistory(resp.TurnHistory)
		turn := resp.TurnIndex()
		next.Content = noMatchesOr(len(resp.Matches), "")
		next.Results = resp.Matches
		next.Counts = countsOf(resp)
		next.OriginalCounts = countsOf(resp)
		next.RefinementQuestions = orEmptyQuestions(resp.RefinementQuestions)
		next.RefinementVersion++
		next.SelectedFilters = selectionFor(resp, history, turn)
		next.Thread = &Thread{
			ChatID:      nextChatID,
			CurrentTurn: turn,
			History:     history,
			Cache:       turncache.Update(nil, resp),
		}
		s.replaceLocked(next)
	}
	s.mu.Unlock()
	s.notify(OpReset, messageID)

	if err == nil {
		s.RefreshChats(ctx)
	}
	return nil
}

// SwitchToTurn displays a cached turn of a bot message, rehydrating its items
// first when the entry only holds a summary. Switching to the current turn
// does nothing.
func (s *Store) SwitchToTurn(ctx context.Context, messageID string, turnIndex int) error {
	s.mu.Lock()
	msg, _, err := s.botLocked(messageID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if cur, ok := msg.CurrentTurn(); ok && cur == turnIndex {
		s.mu.Unlock()
		return nil
	}
	if s.busyLocked() {
		s.mu.Unlock()
		return ErrBusy
	}
	var entry turncache.Entry
	cached := false
	if msg.Thread != nil {
		entry, cached = msg.Thread.Cache.Get(turnIndex)
	}
	if !cached {
		s.replaceLocked(msg.withError(fmt.Sprintf("Turn %d is not cached.", turnIndex)))
		s.mu.Unlock()
		s.notify(OpTurn, messageID)
		return nil
	}

	if !entry.IsHydrated {
		chatID := msg.Thread.ChatID
		if chatID == "" {
			s.replaceLocked(msg.withError(loadCardsFailed(turnIndex)))
			s.mu.Unlock()
			s.notify(OpTurn, messageID)
			return nil
		}
		s.turnsLoading = true
		s.mu.Unlock()
		s.notify(OpTurn, messageID)

		hydrated, ok := s.rehydrate(ctx, chatID, turnIndex, entry)

		s.mu.Lock()
		s.turnsLoading = false
		msg, _, err = s.botLocked(messageID)
		if err != nil {
			s.mu.Unlock()
			return nil
		}
		if !ok {
			s.replaceLocked(msg.withError(loadCardsFailed(turnIndex)))
			s.mu.Unlock()
			s.notify(OpTurn, messageID)
			return nil
		}
		entry = hydrated
	}

	next := msg.clone()
	next.Thread.Cache = next.Thread.Cache.With(turnIndex, entry)
	next.Thread.CurrentTurn = turnIndex
	next.Content = noMatchesOr(len(entry.Matches), fmt.Sprintf("Showing %d matches from turn %d.", len(entry.Matches), turnIndex))
	next.Results = entry.Matches
	next.Counts = Counts{Total: entry.TotalMatches, Grouped: entry.GroupedMatches}
	next.RefinementQuestions = entry.RefinementQuestions
	next.RefinementVersion++
	next.SelectedFilters = refine.Reconcile(entry.SelectedFilters, entry.RefinementQuestions)
	next.Error = ""
	s.replaceLocked(next)
	s.activeBotID = messageID
	s.mu.Unlock()
	s.notify(OpTurn, messageID)
	return nil
}

func (s *Store) rehydrate(ctx context.Context, chatID string, turnIndex int, previous turncache.Entry) (turncache.Entry, bool) {
	rehydrate := true
	resp, err := s.gw.ListTurns(ctx, chatID, s.opts.TurnListLimit, &rehydrate)
	if err != nil {
		log.Warn().Str("component", "conversation").Str("chat_id", chatID).Int("turn", turnIndex).Str("kind", gateway.Kind(err)).Err(err).Msg("turn rehydrate failed")
		return turncache.Entry{}, false
	}
	turn, ok := resp.FindTurn(turnIndex)
	if !ok {
		log.Warn().Str("component", "conversation").Str("chat_id", chatID).Int("turn", turnIndex).Msg("rehydrated turns do not include requested turn")
		return turncache.Entry{}, false
	}
	return turncache.Rehydrated(previous, turn), true
}

// LoadConversation replaces the message list with a single bot message
// holding every turn of chatID. The newest turn is the highest index.
func (s *Store) LoadConversation(ctx context.Context, chatID string) error {
	s.mu.Lock()
	if s.busyLocked() {
		s.mu.Unlock()
		return ErrBusy
	}
	s.turnsLoading = true
	s.activeChatID = chatID
	s.err = ""
	s.mu.Unlock()
	s.notify(OpLoad, "")

	resp, err := s.gw.ListTurns(ctx, chatID, s.opts.TurnListLimit, nil)

	s.mu.Lock()
	s.turnsLoading = false
	if err != nil {
		log.Warn().Str("component", "conversation").Str("chat_id", chatID).Str("kind", gateway.Kind(err)).Err(err).Msg("turns fetch failed")
		s.err = msgLoadFailed
		s.messages = nil
		s.activeBotID = ""
		s.mu.Unlock()
		s.notify(OpLoad, "")
		return nil
	}

	history := make([]gateway.TurnHistoryItem, 0, len(resp.Turns))
	newest := 0
	for i, t := range resp.Turns {
		history = append(history, t.HistoryItem())
		if i == 0 || t.TurnIndex > newest {
			newest = t.TurnIndex
		}
	}
	cache := turncache.FromTurns(resp.Turns)
	entry, _ := cache.Get(newest)

	bot := &BotMessage{
		ID:                  s.opts.NewID(),
		Timestamp:           s.opts.Now(),
		Results:             entry.Matches,
		RefinementQuestions: orEmptyQuestions(entry.RefinementQuestions),
		SelectedFilters:     refine.FromTurn(history, newest),
		Thread: &Thread{
			ChatID:      chatID,
			CurrentTurn: newest,
			History:     history,
			Cache:       cache,
		},
	}
	if len(resp.Turns) == 0 {
		bot.Content = msgNoTurns
	}
	s.messages = []Message{bot}
	s.activeBotID = bot.ID
	s.mu.Unlock()
	s.notify(OpLoad, bot.ID)
	return nil
}

// NewChat clears the conversation.
func (s *Store) NewChat() error {
	s.mu.Lock()
	if s.busyLocked() {
		s.mu.Unlock()
		return ErrBusy
	}
	s.messages = nil
	s.activeBotID = ""
	s.activeChatID = ""
	s.err = ""
	s.mu.Unlock()
	s.notify(OpNewChat, "")
	return nil
}

// RefreshChats reloads the recent chats list. Failures are logged and leave
// an empty list. A refresh already in flight is not duplicated.
func (s *Store) RefreshChats(ctx context.Context) {
	s.mu.Lock()
	if s.chatsLoading {
		s.mu.Unlock()
		return
	}
	s.chatsLoading = true
	s.mu.Unlock()

	chats, err := s.gw.ListChats(ctx, s.opts.ChatListLimit)
	if err != nil {
		log.Warn().Str("component", "conversation").Str("kind", gateway.Kind(err)).Err(err).Msg("chats fetch failed")
		chats = []gateway.ChatSummary{}
	}

	s.mu.Lock()
	s.chatsLoading = false
	s.chats = chats
	s.mu.Unlock()
	s.notify(OpChats, "")
}

// ClearError drops the recoverable error of a bot message.
func (s *Store) ClearError(messageID string) error {
	s.mu.Lock()
	msg, _, err := s.botLocked(messageID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if msg.Error == "" {
		s.mu.Unlock()
		return nil
	}
	s.replaceLocked(msg.withError(""))
	s.mu.Unlock()
	s.notify(OpClearErr, messageID)
	return nil
}

// selectionFor derives the canonical selection after a search or filter
// response, preferring the response's own selected filters over the history
// lookup for turn.
func selectionFor(resp *gateway.SearchResponse, history []gateway.TurnHistoryItem, turn int) refine.Selection {
	return refine.PreferNonEmpty(
		refine.Reconcile(turncache.ResolveSelectedFilters(resp), resp.RefinementQuestions),
		refine.FromTurn(history, turn),
	)
}

// filtersOf converts a selection into filter pairs in question id order.
func filtersOf(selected map[string]string) []gateway.Filter {
	keys := make([]string, 0, len(selected))
	for k := range selected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]gateway.Filter, 0, len(keys))
	for _, k := range keys {
		out = append(out, gateway.Filter{QuestionID: k, SelectedValue: selected[k]})
	}
	return out
}

func loadCardsFailed(turn int) string {
	return fmt.Sprintf("Failed to load cards for turn %d.", turn)
}

func noMatchesOr(n int, content string) string {
	if n == 0 {
		return msgNoMatches
	}
	return content
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orEmptyHistory(in []gateway.TurnHistoryItem) []gateway.TurnHistoryItem {
	if in == nil {
		return []gateway.TurnHistoryItem{}
	}
	return in
}

func orEmptyQuestions(in []gateway.RefinementQuestion) []gateway.RefinementQuestion {
	if in == nil {
		return []gateway.RefinementQuestion{}
	}
	return in
}

func trimmed(s string) string { return strings.TrimSpace(s) }
