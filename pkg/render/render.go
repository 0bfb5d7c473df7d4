// Package render prints conversation state for the terminal.
package render

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnsearch/pkg/conversation"
	"github.com/go-go-golems/turnsearch/pkg/gateway"
	"github.com/go-go-golems/turnsearch/pkg/refine"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// Printer writes bot messages and chat lists. Styled output uses lipgloss
// colors and glamour markdown; plain output is safe for pipes.
type Printer struct {
	w      io.Writer
	styled bool
	width  int
	now    func() time.Time
}

type Option func(*Printer)

func WithStyled(styled bool) Option {
	return func(p *Printer) { p.styled = styled }
}

func WithWidth(width int) Option {
	return func(p *Printer) {
		if width > 20 {
			p.width = width
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Printer) { p.now = now }
}

// New returns a Printer for w. Output is styled when w is a terminal.
func New(w io.Writer, opts ...Option) *Printer {
	p := &Printer{w: w, width: 100, now: time.Now}
	if f, ok := w.(*os.File); ok {
		p.styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Printer) title(s string) string {
	if p.styled {
		return titleStyle.Render(s)
	}
	return s
}

func (p *Printer) dim(s string) string {
	if p.styled {
		return dimStyle.Render(s)
	}
	return s
}

// BotMessage prints the message text, its results, open refinement questions
// and the turn timeline.
func (p *Printer) BotMessage(m *conversation.BotMessage) error {
	if m == nil {
		return nil
	}
	var b strings.Builder
	b.WriteString(p.title(m.Content))
	b.WriteString("\n")
	if label := m.Counts.Label(); label != "" {
		b.WriteString(p.dim(label))
		b.WriteString("\n")
	}
	if m.Error != "" {
		if p.styled {
			b.WriteString(errorStyle.Render(m.Error))
		} else {
			b.WriteString("error: " + m.Error)
		}
		b.WriteString("\n")
	}
	if len(m.Results) > 0 {
		b.WriteString(p.Results(m.Results))
		b.WriteString("\n")
	}
	if _, err := io.WriteString(p.w, b.String()); err != nil {
		return errors.Wrap(err, "write message")
	}
	if md := Refinements(m); md != "" {
		if err := p.markdown(md); err != nil {
			return err
		}
	}
	if m.Thread != nil && len(m.Thread.History) > 0 {
		return p.markdown(Timeline(m.Thread.History, m.Thread.CurrentTurn))
	}
	return nil
}

// Results renders products as a table.
func (p *Printer) Results(products []gateway.Product) string {
	rows := make([][]string, 0, len(products))
	for i, prod := range products {
		variations := ""
		if prod.HasVariation {
			variations = strconv.Itoa(max(prod.VariationCount, len(prod.FullData)))
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			prod.Metadata.ItemNum.String(),
			truncate(firstNonEmpty(prod.Metadata.Description, prod.Metadata.Specs), 48),
			prod.Metadata.ExwQuotesPerPc.String(),
			prod.Metadata.FactoryName,
			strconv.FormatFloat(prod.Score*100, 'f', 1, 64) + "%",
			variations,
		})
	}
	t := table.New().
		Headers("#", "Item", "Description", "Price", "Factory", "Score", "Variants").
		Rows(rows...).
		Width(p.width)
	if p.styled {
		t = t.Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("62"))).
			StyleFunc(func(row, _ int) lipgloss.Style {
				if row == table.HeaderRow {
					return headerStyle
				}
				return cellStyle
			})
	} else {
		t = t.Border(lipgloss.ASCIIBorder()).
			StyleFunc(func(int, int) lipgloss.Style { return cellStyle })
	}
	return t.Render()
}

// Refinements lists the open refinement questions as markdown.
func Refinements(m *conversation.BotMessage) string {
	if len(m.RefinementQuestions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Refine\n\n")
	for _, q := range m.RefinementQuestions {
		labels := make([]string, 0, len(q.Options))
		for _, o := range q.Options {
			label := o.Label
			if m.SelectedFilters[q.ID] == o.Value {
				label = "**" + label + "**"
			}
			labels = append(labels, label)
		}
		fmt.Fprintf(&b, "- %s (`%s`): %s\n", q.Label, q.ID, strings.Join(labels, ", "))
	}
	return b.String()
}

// Timeline lists every turn of a chat as markdown, marking the current one.
func Timeline(history []gateway.TurnHistoryItem, current int) string {
	turns := append([]gateway.TurnHistoryItem(nil), history...)
	sort.Slice(turns, func(i, j int) bool { return turns[i].TurnIndex < turns[j].TurnIndex })

	var b strings.Builder
	b.WriteString("## Turns\n\n")
	for _, t := range turns {
		marker := ""
		if t.TurnIndex == current {
			marker = " *(current)*"
		}
		fmt.Fprintf(&b, "%d. %s, %d matches, filters: %s%s\n",
			t.TurnIndex, t.Role, t.MatchCount, refine.FormatFilters(t.FiltersApplied), marker)
	}
	return b.String()
}

func (p *Printer) markdown(md string) error {
	out := md
	if p.styled {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(p.width))
		if err != nil {
			return errors.Wrap(err, "create markdown renderer")
		}
		if out, err = r.Render(md); err != nil {
			return errors.Wrap(err, "render markdown")
		}
	}
	if _, err := io.WriteString(p.w, out+"\n"); err != nil {
		return errors.Wrap(err, "write markdown")
	}
	return nil
}

// Chats prints the recent chat list with relative timestamps.
func (p *Printer) Chats(chats []gateway.ChatSummary) error {
	if len(chats) == 0 {
		_, err := io.WriteString(p.w, p.dim("No chats yet.")+"\n")
		return errors.Wrap(err, "write chats")
	}
	var b strings.Builder
	now := p.now()
	for _, c := range chats {
		when := "unknown"
		if ts := c.CreatedTime(); !ts.IsZero() {
			when = humanize.RelTime(ts, now, "ago", "from now")
		}
		fmt.Fprintf(&b, "%s  %s  %s\n",
			p.title(c.ChatID),
			truncate(firstNonEmpty(c.Query, "(image search)"), 60),
			p.dim(fmt.Sprintf("turn %d, %s results, %s", c.TurnIndex, humanize.Comma(int64(c.MatchCount)), when)))
	}
	_, err := io.WriteString(p.w, b.String())
	return errors.Wrap(err, "write chats")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
