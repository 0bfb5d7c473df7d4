package refine

import (
	"testing"

	"github.com/go-go-golems/turnsearch/pkg/gateway"
	"github.com/stretchr/testify/require"
)

var catalogQuestion = gateway.RefinementQuestion{
	ID:    "source",
	Label: "Which source?",
	Options: []gateway.QuestionOption{
		{Value: "catalog-items", Label: "Catalog Items"},
		{Value: "quotes", Label: "Factory Quotes"},
	},
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "catalog items", Normalize("  CATALOG__Items!! "))
	require.Equal(t, "a b 3", Normalize("a-b/3"))
	require.Equal(t, "", Normalize("--"))
	require.Equal(t, "caf", Normalize("Café"))
}

func TestReconcileIsCaseAndPunctuationInsensitive(t *testing.T) {
	for _, raw := range []string{"Catalog Items", "catalog items", "CATALOG_ITEMS", "catalog"} {
		got := Reconcile([]gateway.Filter{{QuestionID: "source", SelectedValue: raw}}, []gateway.RefinementQuestion{catalogQuestion})
		require.Equal(t, Selection{"source": "catalog-items"}, got, raw)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	questions := []gateway.RefinementQuestion{
		catalogQuestion,
		{ID: "color", Options: []gateway.QuestionOption{{Value: "blue", Label: "Blue"}, {Value: "red", Label: "Red"}}},
	}
	canonical := Selection{"source": "quotes", "color": "red"}
	filters := []gateway.Filter{{QuestionID: "source", SelectedValue: "quotes"}, {QuestionID: "color", SelectedValue: "red"}}
	first := Reconcile(filters, questions)
	require.Equal(t, canonical, first)

	again := make([]gateway.Filter, 0, len(first))
	for k, v := range first {
		again = append(again, gateway.Filter{QuestionID: k, SelectedValue: v})
	}
	require.Equal(t, first, Reconcile(again, questions))
}

func TestReconcileKeepsUnmatchedValues(t *testing.T) {
	got := Reconcile([]gateway.Filter{
		{QuestionID: "source", SelectedValue: "something else"},
		{QuestionID: "unknown", SelectedValue: "Free Text"},
	}, []gateway.RefinementQuestion{catalogQuestion})
	require.Equal(t, Selection{"source": "something else", "unknown": "Free Text"}, got)
}

func TestReconcileFirstOptionWins(t *testing.T) {
	q := gateway.RefinementQuestion{ID: "finish", Options: []gateway.QuestionOption{
		{Value: "matte-black", Label: "Matte Black"},
		{Value: "black", Label: "Black"},
	}}
	// substring match on the first option is found before the exact match on the second
	got := Reconcile([]gateway.Filter{{QuestionID: "finish", SelectedValue: "black"}}, []gateway.RefinementQuestion{q})
	require.Equal(t, Selection{"finish": "matte-black"}, got)
}

func TestFromTurn(t *testing.T) {
	history := []gateway.TurnHistoryItem{
		{TurnIndex: 0},
		{
			TurnIndex:           1,
			SelectedFilters:     []gateway.Filter{{QuestionID: "source", SelectedValue: "Catalog Items"}},
			RefinementQuestions: []gateway.RefinementQuestion{catalogQuestion},
		},
	}
	require.Equal(t, Selection{"source": "catalog-items"}, FromTurn(history, 1))
	require.Empty(t, FromTurn(history, 0))
	require.Empty(t, FromTurn(history, 7))
	require.Empty(t, FromTurn(nil, 0))
}

func TestPreferNonEmpty(t *testing.T) {
	require.Equal(t, Selection{"q1": "a"}, PreferNonEmpty(Selection{}, Selection{"q1": "a"}))
	require.Equal(t, Selection{"q1": "b"}, PreferNonEmpty(Selection{"q1": "b"}, Selection{"q1": "a"}))
	require.NotNil(t, PreferNonEmpty(nil, nil))
}

func TestFormatFilters(t *testing.T) {
	require.Equal(t, "none", FormatFilters(nil))
	require.Equal(t, "color=blue, size=XL", FormatFilters([]gateway.Filter{
		{QuestionID: "color", SelectedValue: "blue"},
		{QuestionID: "size", SelectedValue: "XL"},
	}))
}
