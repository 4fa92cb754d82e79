// Package ui renders CLI output.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#EF6C00", Dark: "#FFB74D"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}
)

var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	BoldStyle   = lipgloss.NewStyle().Bold(true)

	// CodeStyle frames a pairing code so it stands out for comparison.
	CodeStyle = lipgloss.NewStyle().
			Bold(true).
			Padding(0, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorAccent)
)

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderBold(s string) string   { return BoldStyle.Render(s) }
func RenderCode(s string) string   { return CodeStyle.Render(s) }

// Field is one row of a key/value listing.
type Field struct {
	Key   string
	Value string
}

// RenderFields aligns keys in a column.
func RenderFields(fields []Field) string {
	width := 0
	for _, f := range fields {
		if w := lipgloss.Width(f.Key); w > width {
			width = w
		}
	}
	key := MutedStyle.Width(width + 2)

	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, "%s%s\n", key.Render(f.Key+":"), f.Value)
	}
	return b.String()
}

// Truncate shortens s to n cells, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 1 || lipgloss.Width(s) <= n {
		return s
	}
	r := []rune(s)
	for len(r) > 0 && lipgloss.Width(string(r))+1 > n {
		r = r[:len(r)-1]
	}
	return string(r) + "…"
}

// ConfigureColor turns styling off when disabled is set or NO_COLOR is in
// the environment.
func ConfigureColor(disabled bool) {
	if disabled || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}
