package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeSearchResponse decodes and validates a search or filter payload.
func DecodeSearchResponse(op string, body []byte) (*SearchResponse, error) {
	var resp SearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ValidationError{Op: op, Reason: err.Error()}
	}
	if err := resp.Validate(op); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DecodeChatsResponse decodes and validates a chat listing payload.
func DecodeChatsResponse(op string, body []byte) (*ChatsResponse, error) {
	var resp ChatsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ValidationError{Op: op, Reason: err.Error()}
	}
	for i, c := range resp.Chats {
		if strings.TrimSpace(c.ChatID) == "" {
			return nil, &ValidationError{Op: op, Field: fmt.Sprintf("chats[%d].chat_id", i), Reason: "empty"}
		}
	}
	if resp.Chats == nil {
		resp.Chats = []ChatSummary{}
	}
	return &resp, nil
}

// DecodeTurnsResponse decodes and validates a turn listing payload.
func DecodeTurnsResponse(op string, body []byte) (*TurnsResponse, error) {
	var resp TurnsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ValidationError{Op: op, Reason: err.Error()}
	}
	seen := map[int]struct{}{}
	for i, t := range resp.Turns {
		field := fmt.Sprintf("turns[%d]", i)
		if t.TurnIndex < 0 {
			return nil, &ValidationError{Op: op, Field: field + ".turn_index", Reason: "negative"}
		}
		if _, dup := seen[t.TurnIndex]; dup {
			return nil, &ValidationError{Op: op, Field: field + ".turn_index", Reason: fmt.Sprintf("duplicate turn %d", t.TurnIndex)}
		}
		seen[t.TurnIndex] = struct{}{}
		if err := validateProducts(op, field+".items", t.Items); err != nil {
			return nil, err
		}
		if err := validateFilters(op, field+".filters_applied", t.FiltersApplied); err != nil {
			return nil, err
		}
		if err := validateFilters(op, field+".selected_filters", t.SelectedFilters); err != nil {
			return nil, err
		}
		if err := validateQuestions(op, field+".refinement_questions", t.RefinementQuestions); err != nil {
			return nil, err
		}
	}
	if resp.Turns == nil {
		resp.Turns = []ConversationTurn{}
	}
	return &resp, nil
}

// Validate checks the invariants downstream code relies on.
func (r *SearchResponse) Validate(op string) error {
	if r.CurrentTurn != nil && *r.CurrentTurn < 0 {
		return &ValidationError{Op: op, Field: "current_turn", Reason: "negative"}
	}
	if r.TotalMatches != nil && *r.TotalMatches < 0 {
		return &ValidationError{Op: op, Field: "total_matches", Reason: "negative"}
	}
	if r.GroupedMatches != nil && *r.GroupedMatches < 0 {
		return &ValidationError{Op: op, Field: "grouped_matches", Reason: "negative"}
	}
	if err := validateProducts(op, "matches", r.Matches); err != nil {
		return err
	}
	if err := validateQuestions(op, "refinement_questions", r.RefinementQuestions); err != nil {
		return err
	}
	if r.Query != nil {
		if err := validateFilters(op, "query.filters_applied", r.Query.FiltersApplied); err != nil {
			return err
		}
	}
	seen := map[int]struct{}{}
	for i, t := range r.TurnHistory {
		field := fmt.Sprintf("turn_history[%d]", i)
		if t.TurnIndex < 0 {
			return &ValidationError{Op: op, Field: field + ".turn_index", Reason: "negative"}
		}
		if _, dup := seen[t.TurnIndex]; dup {
			return &ValidationError{Op: op, Field: field + ".turn_index", Reason: fmt.Sprintf("duplicate turn %d", t.TurnIndex)}
		}
		seen[t.TurnIndex] = struct{}{}
		if err := validateFilters(op, field+".filters_applied", t.FiltersApplied); err != nil {
			return err
		}
		if err := validateFilters(op, field+".selected_filters", t.SelectedFilters); err != nil {
			return err
		}
		if err := validateQuestions(op, field+".refinement_questions", t.RefinementQuestions); err != nil {
			return err
		}
	}
	if r.Matches == nil {
		r.Matches = []Product{}
	}
	return nil
}

func validateProducts(op, field string, products []Product) error {
	for i, p := range products {
		if strings.TrimSpace(p.ID) == "" {
			return &ValidationError{Op: op, Field: fmt.Sprintf("%s[%d].id", field, i), Reason: "empty"}
		}
	}
	return nil
}

func validateFilters(op, field string, filters []Filter) error {
	for i, f := range filters {
		if strings.TrimSpace(f.QuestionID) == "" {
			return &ValidationError{Op: op, Field: fmt.Sprintf("%s[%d].question_id", field, i), Reason: "empty"}
		}
	}
	return nil
}

func validateQuestions(op, field string, questions []RefinementQuestion) error {
	for i, q := range questions {
		if strings.TrimSpace(q.ID) == "" {
			return &ValidationError{Op: op, Field: fmt.Sprintf("%s[%d].id", field, i), Reason: "empty"}
		}
	}
	return nil
}
