package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Flex is a scalar metadata value that the backend emits either as a string,
// a number or a bool. It is kept as its textual form.
type Flex string

func (f *Flex) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		*f = ""
		return nil
	}
	if s[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = Flex(v)
		return nil
	}
	*f = Flex(s)
	return nil
}

func (f Flex) String() string { return string(f) }

// Float parses the value as a number. Empty or non-numeric values report false.
func (f Flex) Float() (float64, bool) {
	if strings.TrimSpace(string(f)) == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(f)), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ProductMetadata is the item-level payload attached to a match.
type ProductMetadata struct {
	Description       string   `json:"description,omitempty"`
	Dims              Flex     `json:"dims,omitempty"`
	ExwQuotesPerPc    Flex     `json:"exw_quotes_per_pc,omitempty"`
	FactoryName       string   `json:"factory_name,omitempty"`
	ImgRef            string   `json:"img_ref,omitempty"`
	ItemNum           Flex     `json:"item_num,omitempty"`
	MaterialFinishing string   `json:"material_finishing,omitempty"`
	Modality          string   `json:"modality,omitempty"`
	MoqLoadingQty     Flex     `json:"moq_loading_qty,omitempty"`
	ProgramName       string   `json:"program_name,omitempty"`
	QuoteDate         string   `json:"quote_date,omitempty"`
	RequestDate       string   `json:"request_date,omitempty"`
	SampleStatus      string   `json:"sample_status,omitempty"`
	Specs             string   `json:"specs,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	UVol              Flex     `json:"u_vol,omitempty"`
	Source            string   `json:"source,omitempty"`
	SignedURLs        []string `json:"signed_urls,omitempty"`
}

// Variation is a lightweight sibling of a grouped product.
type Variation struct {
	ID             string   `json:"id"`
	Dims           Flex     `json:"dims,omitempty"`
	ExwQuotesPerPc Flex     `json:"exw_quotes_per_pc,omitempty"`
	ItemNum        Flex     `json:"item_num,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	UVol           Flex     `json:"u_vol,omitempty"`
}

// FullProduct is the complete record of one variation of a grouped product.
type FullProduct struct {
	ID       string          `json:"id"`
	Score    float64         `json:"score"`
	Metadata ProductMetadata `json:"metadata"`
}

// Product is one ranked match. Values are treated as immutable and keyed by ID.
type Product struct {
	ID             string          `json:"id"`
	Score          float64         `json:"score"`
	Metadata       ProductMetadata `json:"metadata"`
	HasVariation   bool            `json:"hasVariation,omitempty"`
	Variations     []Variation     `json:"variations,omitempty"`
	FullData       []FullProduct   `json:"fullData,omitempty"`
	VariationCount int             `json:"variationCount,omitempty"`
}

// Stripped drops grouping data, keeping id, score and metadata.
func (p Product) Stripped() Product {
	return Product{ID: p.ID, Score: p.Score, Metadata: p.Metadata}
}

type QuestionOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// RefinementQuestion is a server generated multiple-choice question.
// Option order is significant.
type RefinementQuestion struct {
	ID      string           `json:"id"`
	Label   string           `json:"label"`
	Options []QuestionOption `json:"options"`
}

// Filter is a {question_id, selected_value} pair. SelectedValue may be free
// text that does not match any enumerated option.
type Filter struct {
	QuestionID    string `json:"question_id"`
	SelectedValue string `json:"selected_value"`
}

// TurnHistoryItem summarizes one turn of a chat.
//
// A nil slice means the backend omitted the field; an empty slice means it was
// present and empty.
type TurnHistoryItem struct {
	TurnIndex           int                  `json:"turn_index"`
	Role                string               `json:"role"`
	MatchCount          int                  `json:"match_count"`
	FiltersApplied      []Filter             `json:"filters_applied"`
	SelectedFilters     []Filter             `json:"selected_filters"`
	RefinementQuestions []RefinementQuestion `json:"refinement_questions"`
	CreatedAt           string               `json:"created_at,omitempty"`
	ParentTurn          *int                 `json:"parent_turn,omitempty"`
	IsOriginal          bool                 `json:"is_original"`
}

// QueryEcho is the backend's echo of the query that produced a response.
type QueryEcho struct {
	FiltersApplied []Filter `json:"filters_applied,omitempty"`
}

// SearchResponse is the response shape shared by hybrid search and apply filter.
type SearchResponse struct {
	Status              string               `json:"status"`
	TotalMatches        *int                 `json:"total_matches,omitempty"`
	GroupedMatches      *int                 `json:"grouped_matches,omitempty"`
	ChatID              string               `json:"chat_id,omitempty"`
	CurrentTurn         *int                 `json:"current_turn,omitempty"`
	Matches             []Product            `json:"matches"`
	RefinementQuestions []RefinementQuestion `json:"refinement_questions,omitempty"`
	TurnHistory         []TurnHistoryItem    `json:"turn_history,omitempty"`
	Query               *QueryEcho           `json:"query,omitempty"`
}

// TurnIndex returns current_turn, or 0 when the backend omitted it.
func (r *SearchResponse) TurnIndex() int {
	if r == nil || r.CurrentTurn == nil {
		return 0
	}
	return *r.CurrentTurn
}

// HistoryTurn looks up current_turn inside turn_history.
func (r *SearchResponse) HistoryTurn() (TurnHistoryItem, bool) {
	if r == nil || r.TurnHistory == nil || r.CurrentTurn == nil {
		return TurnHistoryItem{}, false
	}
	return FindTurn(r.TurnHistory, *r.CurrentTurn)
}

// FindTurn returns the history record with the given index.
func FindTurn(history []TurnHistoryItem, turnIndex int) (TurnHistoryItem, bool) {
	for _, t := range history {
		if t.TurnIndex == turnIndex {
			return t, true
		}
	}
	return TurnHistoryItem{}, false
}

// ChatSummary is one entry of the recent chats list.
type ChatSummary struct {
	ChatID     string `json:"chat_id"`
	Query      string `json:"query"`
	TurnIndex  int    `json:"turn_index"`
	MatchCount int    `json:"match_count"`
	CreatedAt  string `json:"created_at"`
}

// CreatedTime parses CreatedAt; the zero time is returned when it does not parse.
func (c ChatSummary) CreatedTime() time.Time {
	return parseTimestamp(c.CreatedAt)
}

type ChatsResponse struct {
	Status string        `json:"status"`
	Limit  int           `json:"limit"`
	Count  int           `json:"count"`
	Chats  []ChatSummary `json:"chats"`
}

// ConversationTurn is a full per-turn record. Items is populated when the
// turns were listed with rehydrate=true.
type ConversationTurn struct {
	TurnIndex           int                  `json:"turn_index"`
	Role                string               `json:"role"`
	MatchIDs            []string             `json:"match_ids,omitempty"`
	Items               []Product            `json:"items,omitempty"`
	FiltersApplied      []Filter             `json:"filters_applied"`
	SelectedFilters     []Filter             `json:"selected_filters"`
	RefinementQuestions []RefinementQuestion `json:"refinement_questions"`
	CreatedAt           string               `json:"created_at,omitempty"`
	ParentTurn          *int                 `json:"parent_turn,omitempty"`
	IsOriginal          bool                 `json:"is_original"`
}

// MatchCount prefers the id list, then the item list.
func (t ConversationTurn) MatchCount() int {
	if t.MatchIDs != nil {
		return len(t.MatchIDs)
	}
	return len(t.Items)
}

// HistoryItem converts the record to its timeline summary, defaulting omitted
// lists to empty.
func (t ConversationTurn) HistoryItem() TurnHistoryItem {
	return TurnHistoryItem{
		TurnIndex:           t.TurnIndex,
		Role:                t.Role,
		MatchCount:          t.MatchCount(),
		FiltersApplied:      orEmpty(t.FiltersApplied),
		SelectedFilters:     orEmpty(t.SelectedFilters),
		RefinementQuestions: orEmptyQuestions(t.RefinementQuestions),
		CreatedAt:           t.CreatedAt,
		ParentTurn:          t.ParentTurn,
		IsOriginal:          t.IsOriginal,
	}
}

// StrippedItems returns the items without grouping data.
func (t ConversationTurn) StrippedItems() []Product {
	out := make([]Product, 0, len(t.Items))
	for _, it := range t.Items {
		out = append(out, it.Stripped())
	}
	return out
}

type TurnsResponse struct {
	Status    string             `json:"status"`
	ChatID    string             `json:"chat_id"`
	Limit     int                `json:"limit"`
	Count     int                `json:"count"`
	Rehydrate bool               `json:"rehydrate"`
	Turns     []ConversationTurn `json:"turns"`
}

// FindTurn returns the turn with the given index.
func (r *TurnsResponse) FindTurn(turnIndex int) (ConversationTurn, bool) {
	if r == nil {
		return ConversationTurn{}, false
	}
	for _, t := range r.Turns {
		if t.TurnIndex == turnIndex {
			return t, true
		}
	}
	return ConversationTurn{}, false
}

func orEmpty(in []Filter) []Filter {
	if in == nil {
		return []Filter{}
	}
	return in
}

func orEmptyQuestions(in []RefinementQuestion) []RefinementQuestion {
	if in == nil {
		return []RefinementQuestion{}
	}
	return in
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
