// Package verdict interprets stored grading results for presentation:
// glyph classification, math delimiter normalization, and detection of
// answers edited since they were graded.
package verdict

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/wxkj99/na-quiz/internal/model"
	"github.com/wxkj99/na-quiz/internal/store"
)

// Class is the overall tone of a verdict, derived from its glyphs.
type Class int

const (
	// Mixed covers partial credit and any ambiguous glyph combination.
	Mixed Class = iota
	// Correct means the verdict carries ✓ and no contradicting glyph.
	Correct
	// Wrong means the verdict carries ✗ and no contradicting glyph.
	Wrong
)

// Classify derives the class of a verdict from the glyphs it contains.
// A verdict mentioning both ✓ and ✗ (the model quoting itself, say) is
// treated as mixed rather than guessing a side.
func Classify(text string) Class {
	check := strings.Contains(text, "✓")
	cross := strings.Contains(text, "✗")
	partial := strings.Contains(text, "△")
	switch {
	case check && !cross && !partial:
		return Correct
	case cross && !check && !partial:
		return Wrong
	default:
		return Mixed
	}
}

var (
	displayMathRe = regexp.MustCompile(`(?s)\$\$(.+?)\$\$`)
	inlineMathRe  = regexp.MustCompile(`(?s)\$(.+?)\$`)
)

// NormalizeMath rewrites dollar-sign math delimiters to bracket form:
// $$...$$ becomes \[...\] and $...$ becomes \(...\). Display blocks are
// rewritten first so their dollar pairs are never mistaken for inline
// math.
func NormalizeMath(text string) string {
	text = displayMathRe.ReplaceAllString(text, `\[$1\]`)
	text = inlineMathRe.ReplaceAllString(text, `\($1\)`)
	return text
}

// Edited reports whether a question's inputs changed after its last
// grading, by comparing them against the stored snapshot. A question
// with no snapshot was never graded and is not stale.
func Edited(kv store.KV, id string, inputs []string) (bool, error) {
	snap, ok, err := kv.Get(model.SnapKey(id))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return snap != strings.Join(inputs, "|"), nil
}

var (
	correctStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	wrongStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	mixedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	editedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
)

// Render styles a verdict for terminal output according to its class.
func Render(text string) string {
	switch Classify(text) {
	case Correct:
		return correctStyle.Render(text)
	case Wrong:
		return wrongStyle.Render(text)
	default:
		return mixedStyle.Render(text)
	}
}

// RenderEdited styles the edited-since-grading marker.
func RenderEdited(mark string) string {
	return editedStyle.Render(mark)
}
