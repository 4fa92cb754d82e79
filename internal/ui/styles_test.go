package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestRenderFieldsAligns(t *testing.T) {
	out := RenderFields([]Field{{"Name", "mossy-leek-42"}, {"Public key", "abc"}})
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.Equal(t, strings.Index(lines[0], "mossy"), strings.Index(lines[1], "abc"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	got := Truncate("abcdefghijklmnop", 8)
	assert.Equal(t, 8, lipgloss.Width(got))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestRenderKeepsText(t *testing.T) {
	assert.Contains(t, RenderPass("ok"), "ok")
	assert.Contains(t, RenderCode("ABCD-EFGH"), "ABCD-EFGH")
}

func TestConfigureColorDisables(t *testing.T) {
	ConfigureColor(true)
	assert.Equal(t, "ok", RenderPass("ok"))
}
