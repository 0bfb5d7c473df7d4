// Package refine maps the loosely worded filter values returned by the search
// backend back onto the enumerated options of their refinement questions.
package refine

import (
	"strings"

	"github.com/go-go-golems/turnsearch/pkg/gateway"
)

// Selection maps a question id to the option value chosen for it.
type Selection map[string]string

// Normalize lowercases s, collapses every run of non-alphanumeric characters
// into a single space and trims the result.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			pendingSpace = false
			b.WriteRune(r)
			continue
		}
		pendingSpace = true
	}
	return b.String()
}

// MatchOption returns the first option matching selected, trying exact
// equality on value or label before substring containment in either
// direction. Option order is significant.
func MatchOption(q gateway.RefinementQuestion, selected string) (gateway.QuestionOption, bool) {
	want := Normalize(selected)
	for _, opt := range q.Options {
		v, l := Normalize(opt.Value), Normalize(opt.Label)
		if v == want || l == want {
			return opt, true
		}
		if containsEither(v, want) || containsEither(l, want) {
			return opt, true
		}
	}
	return gateway.QuestionOption{}, false
}

func containsEither(a, b string) bool {
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// Reconcile builds the canonical selection for filters against questions.
// Values that match no option, or whose question is unknown, are kept verbatim.
func Reconcile(filters []gateway.Filter, questions []gateway.RefinementQuestion) Selection {
	out := Selection{}
	if len(filters) == 0 {
		return out
	}
	byID := make(map[string]gateway.RefinementQuestion, len(questions))
	for _, q := range questions {
		if _, dup := byID[q.ID]; !dup {
			byID[q.ID] = q
		}
	}
	for _, f := range filters {
		if q, ok := byID[f.QuestionID]; ok {
			if opt, ok := MatchOption(q, f.SelectedValue); ok {
				out[f.QuestionID] = opt.Value
				continue
			}
		}
		out[f.QuestionID] = f.SelectedValue
	}
	return out
}

// FromTurn reconciles the selected filters of one history record against the
// questions offered at that same turn. An unknown turn yields an empty map.
func FromTurn(history []gateway.TurnHistoryItem, turnIndex int) Selection {
	turn, ok := gateway.FindTurn(history, turnIndex)
	if !ok {
		return Selection{}
	}
	return Reconcile(turn.SelectedFilters, turn.RefinementQuestions)
}

// PreferNonEmpty returns primary when it has at least one entry, else fallback.
func PreferNonEmpty(primary, fallback Selection) Selection {
	if len(primary) > 0 {
		return primary
	}
	if fallback == nil {
		return Selection{}
	}
	return fallback
}

// FormatFilters renders filters as "question_id=value" pairs for timeline labels.
func FormatFilters(filters []gateway.Filter) string {
	if len(filters) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		parts = append(parts, f.QuestionID+"="+f.SelectedValue)
	}
	return strings.Join(parts, ", ")
}
