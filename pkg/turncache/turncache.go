// Package turncache keeps the per-message map from turn index to the result
// set, questions and filters materialized for that turn.
package turncache

import (
	"sort"

	"github.com/go-go-golems/turnsearch/pkg/gateway"
)

// Entry is the cached state of a single turn. An entry that is not hydrated
// is known to exist but its item-level data has not been fetched yet.
type Entry struct {
	Matches             []gateway.Product            `json:"matches"`
	RefinementQuestions []gateway.RefinementQuestion `json:"refinementQuestions"`
	FiltersApplied      []gateway.Filter             `json:"filtersApplied"`
	SelectedFilters     []gateway.Filter             `json:"selectedFilters"`
	TotalMatches        *int                         `json:"totalMatches,omitempty"`
	GroupedMatches      *int                         `json:"groupedMatches,omitempty"`
	IsHydrated          bool                         `json:"isHydrated"`
}

// Cache maps turn index to entry. Caches are never mutated in place once
// stored; Update and With return fresh maps.
type Cache map[int]Entry

// Update merges a search or filter response into existing and returns the new
// cache. The entry for current_turn (default 0) is overwritten and hydrated.
// When the response carries turn history, entries past its highest turn are
// dropped and the history's filters and questions win for every turn it lists.
func Update(existing Cache, resp *gateway.SearchResponse) Cache {
	next := existing.clone()
	if resp == nil {
		return next
	}

	next[resp.TurnIndex()] = Entry{
		Matches:             orEmptyProducts(resp.Matches),
		RefinementQuestions: orEmptyQuestions(resp.RefinementQuestions),
		FiltersApplied:      ResolveFiltersApplied(resp),
		SelectedFilters:     ResolveSelectedFilters(resp),
		TotalMatches:        resp.TotalMatches,
		GroupedMatches:      resp.GroupedMatches,
		IsHydrated:          true,
	}

	if len(resp.TurnHistory) == 0 {
		return next
	}

	maxTurn := resp.TurnHistory[0].TurnIndex
	for _, t := range resp.TurnHistory[1:] {
		if t.TurnIndex > maxTurn {
			maxTurn = t.TurnIndex
		}
	}
	for idx := range next {
		if idx > maxTurn {
			delete(next, idx)
		}
	}

	for _, t := range resp.TurnHistory {
		cached, ok := next[t.TurnIndex]
		if !ok {
			continue
		}
		cached.FiltersApplied = orEmptyFilters(t.FiltersApplied)
		cached.SelectedFilters = orEmptyFilters(t.SelectedFilters)
		if t.RefinementQuestions != nil {
			cached.RefinementQuestions = t.RefinementQuestions
		}
		next[t.TurnIndex] = cached
	}
	return next
}

// ResolveFiltersApplied prefers a non-empty query.filters_applied, then the
// history record for current_turn, then empty.
func ResolveFiltersApplied(resp *gateway.SearchResponse) []gateway.Filter {
	if resp.Query != nil && len(resp.Query.FiltersApplied) > 0 {
		return resp.Query.FiltersApplied
	}
	if turn, ok := resp.HistoryTurn(); ok && turn.FiltersApplied != nil {
		return turn.FiltersApplied
	}
	return []gateway.Filter{}
}

// ResolveSelectedFilters returns the selected filters of the history record
// for current_turn, or empty.
func ResolveSelectedFilters(resp *gateway.SearchResponse) []gateway.Filter {
	if turn, ok := resp.HistoryTurn(); ok && turn.SelectedFilters != nil {
		return turn.SelectedFilters
	}
	return []gateway.Filter{}
}

// Rehydrated builds the hydrated replacement for previous from a turn listed
// with rehydrate=true. Fields the turn omits fall back to previous; the
// cached counts are kept.
func Rehydrated(previous Entry, turn gateway.ConversationTurn) Entry {
	e := Entry{
		Matches:             turn.StrippedItems(),
		RefinementQuestions: previous.RefinementQuestions,
		FiltersApplied:      previous.FiltersApplied,
		SelectedFilters:     previous.SelectedFilters,
		TotalMatches:        previous.TotalMatches,
		GroupedMatches:      previous.GroupedMatches,
		IsHydrated:          true,
	}
	if turn.RefinementQuestions != nil {
		e.RefinementQuestions = turn.RefinementQuestions
	}
	if turn.FiltersApplied != nil {
		e.FiltersApplied = turn.FiltersApplied
	}
	if turn.SelectedFilters != nil {
		e.SelectedFilters = turn.SelectedFilters
	}
	e.RefinementQuestions = orEmptyQuestions(e.RefinementQuestions)
	e.FiltersApplied = orEmptyFilters(e.FiltersApplied)
	e.SelectedFilters = orEmptyFilters(e.SelectedFilters)
	return e
}

// FromTurns builds a cache for a loaded conversation. A turn is hydrated when
// it carried item data or has no matches at all.
func FromTurns(turns []gateway.ConversationTurn) Cache {
	c := make(Cache, len(turns))
	for _, t := range turns {
		c[t.TurnIndex] = Entry{
			Matches:             t.StrippedItems(),
			RefinementQuestions: orEmptyQuestions(t.RefinementQuestions),
			FiltersApplied:      orEmptyFilters(t.FiltersApplied),
			SelectedFilters:     orEmptyFilters(t.SelectedFilters),
			IsHydrated:          len(t.Items) > 0 || t.MatchCount() == 0,
		}
	}
	return c
}

// With returns a copy of c with idx set to e.
func (c Cache) With(idx int, e Entry) Cache {
	next := c.clone()
	next[idx] = e
	return next
}

// Get returns the entry for idx.
func (c Cache) Get(idx int) (Entry, bool) {
	e, ok := c[idx]
	return e, ok
}

// Turns returns the cached turn indices in ascending order.
func (c Cache) Turns() []int {
	out := make([]int, 0, len(c))
	for idx := range c {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

func (c Cache) clone() Cache {
	next := make(Cache, len(c)+1)
	for k, v := range c {
		next[k] = v
	}
	return next
}

func orEmptyProducts(in []gateway.Product) []gateway.Product {
	if in == nil {
		return []gateway.Product{}
	}
	return in
}

func orEmptyFilters(in []gateway.Filter) []gateway.Filter {
	if in == nil {
		return []gateway.Filter{}
	}
	return in
}

func orEmptyQuestions(in []gateway.RefinementQuestion) []gateway.RefinementQuestion {
	if in == nil {
		return []gateway.RefinementQuestion{}
	}
	return in
}
