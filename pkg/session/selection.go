package session

import (
	"sync"

	"github.com/go-go-golems/turnsearch/pkg/gateway"
)

// SelectionSet tracks the products checked in the result grid, in the order
// they were selected.
type SelectionSet struct {
	mu    sync.Mutex
	order []string
	items map[string]gateway.Product
}

func NewSelectionSet() *SelectionSet {
	return &SelectionSet{items: map[string]gateway.Product{}}
}

// variantsOf returns the records a checkbox on p stands for: every fullData
// entry of a grouped product, or p itself.
func variantsOf(p gateway.Product) []gateway.Product {
	if p.HasVariation && len(p.FullData) > 0 {
		out := make([]gateway.Product, 0, len(p.FullData))
		for _, v := range p.FullData {
			out = append(out, variantProduct(p, v))
		}
		return out
	}
	return []gateway.Product{p}
}

// variantProduct flattens one variation of parent. Request date, sample
// status, volume and source are only tracked on the parent record.
func variantProduct(parent gateway.Product, v gateway.FullProduct) gateway.Product {
	md := v.Metadata
	md.RequestDate = parent.Metadata.RequestDate
	md.SampleStatus = parent.Metadata.SampleStatus
	md.UVol = parent.Metadata.UVol
	md.Source = parent.Metadata.Source
	score := v.Score
	if score == 0 {
		score = parent.Score
	}
	return gateway.Product{ID: v.ID, Score: score, Metadata: md}
}

// Toggle selects every variant of p unless all of them are already selected,
// in which case it unselects them. It reports whether p is now selected.
func (s *SelectionSet) Toggle(p gateway.Product) bool {
	variants := variantsOf(p)
	s.mu.Lock()
	defer s.mu.Unlock()

	all := true
	for _, v := range variants {
		if _, ok := s.items[v.ID]; !ok {
			all = false
			break
		}
	}
	for _, v := range variants {
		if all {
			s.removeLocked(v.ID)
		} else {
			s.addLocked(v)
		}
	}
	return !all
}

// ToggleVariant flips a single fullData entry of a grouped product.
func (s *SelectionSet) ToggleVariant(p gateway.Product, variantID string) bool {
	for _, v := range p.FullData {
		if v.ID != variantID {
			continue
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.items[v.ID]; ok {
			s.removeLocked(v.ID)
			return false
		}
		s.addLocked(variantProduct(p, v))
		return true
	}
	return false
}

func (s *SelectionSet) addLocked(p gateway.Product) {
	if _, ok := s.items[p.ID]; !ok {
		s.order = append(s.order, p.ID)
	}
	s.items[p.ID] = p
}

func (s *SelectionSet) removeLocked(id string) {
	if _, ok := s.items[id]; !ok {
		return
	}
	delete(s.items, id)
	for i, cur := range s.order {
		if cur == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *SelectionSet) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.order...)
}

func (s *SelectionSet) Products() []gateway.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]gateway.Product, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

func (s *SelectionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *SelectionSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.items = map[string]gateway.Product{}
}
