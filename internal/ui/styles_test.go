package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestTable(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	out := Table([]string{"ID", "OP", "STATUS"}, [][]string{
		{"q1", "create", "pending"},
		{"q22", "update", "failed"},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Table() produced %d lines, want 3:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[2], "q22  update  failed") {
		t.Errorf("row = %q", lines[2])
	}
	if !strings.HasPrefix(lines[1], "q1   create  pending") {
		t.Errorf("row = %q", lines[1])
	}
}

func TestKeyValue(t *testing.T) {
	lipgloss.SetColorProfile(termenv.Ascii)

	out := KeyValue([][2]string{{"Pending", "3"}, {"Last sync", "never"}})
	if !strings.Contains(out, "Pending:    3") {
		t.Errorf("KeyValue() = %q", out)
	}
	if !strings.Contains(out, "Last sync:  never") {
		t.Errorf("KeyValue() = %q", out)
	}
}
