package main

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseFields(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]any
		wantErr bool
	}{
		{
			name: "typed values",
			args: []string{"name=Tape", "price=12.5", "active=true", `tags=["a","b"]`},
			want: map[string]any{"name": "Tape", "price": 12.5, "active": true, "tags": []any{"a", "b"}},
		},
		{
			name: "quoted number stays a string",
			args: []string{`code="0042"`},
			want: map[string]any{"code": "0042"},
		},
		{
			name: "value with equals sign",
			args: []string{"note=a=b"},
			want: map[string]any{"note": "a=b"},
		},
		{
			name: "empty value",
			args: []string{"phone="},
			want: map[string]any{"phone": ""},
		},
		{name: "missing equals", args: []string{"name"}, wantErr: true},
		{name: "empty key", args: []string{"=x"}, wantErr: true},
		{name: "reserved id", args: []string{"id=x"}, wantErr: true},
		{name: "reserved metadata", args: []string{"_state=remote"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFields(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFields() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("parseFields() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		text string
		want time.Time
	}{
		{"2024-03-01T10:00:00Z", time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)},
		{"2024-03-01", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"90m", now.Add(-90 * time.Minute)},
		{"-2h", now.Add(-2 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := parseSince(tt.text, now)
			if err != nil {
				t.Fatalf("parseSince(%q) failed: %v", tt.text, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseSince(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseSince_NaturalLanguage(t *testing.T) {
	now := time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC)

	got, err := parseSince("yesterday", now)
	if err != nil {
		t.Fatalf("parseSince() failed: %v", err)
	}
	if y, m, d := got.Date(); y != 2024 || m != time.March || d != 13 {
		t.Errorf("parseSince(yesterday) = %v, want March 13", got)
	}

	if _, err := parseSince("flibbertigibbet", now); err == nil {
		t.Error("parseSince() of nonsense should fail")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    outputFormat
		wantErr bool
	}{
		{"", formatText, false},
		{"text", formatText, false},
		{"JSON", formatJSON, false},
		{"yaml", formatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := parseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRender(t *testing.T) {
	v := map[string]any{"pending": 2, "online": false}

	var buf bytes.Buffer
	if err := render(&buf, formatJSON, v, nil); err != nil {
		t.Fatalf("render(json) failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("render(json) produced invalid JSON: %v\n%s", err, buf.String())
	}
	if decoded["pending"] != float64(2) {
		t.Errorf("pending = %v, want 2", decoded["pending"])
	}

	buf.Reset()
	if err := render(&buf, formatYAML, v, nil); err != nil {
		t.Fatalf("render(yaml) failed: %v", err)
	}
	if !strings.Contains(buf.String(), "pending: 2") {
		t.Errorf("render(yaml) = %q, want pending: 2", buf.String())
	}

	buf.Reset()
	called := false
	if err := render(&buf, formatText, v, func(w io.Writer) { called = true }); err != nil {
		t.Fatalf("render(text) failed: %v", err)
	}
	if !called {
		t.Error("render(text) did not call the text printer")
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{12.5, "12.5"},
		{true, "true"},
		{map[string]any{"a": 1.0}, `{"a":1}`},
		{[]any{"a"}, `["a"]`},
	}
	for _, tt := range tests {
		if got := formatValue(tt.in); got != tt.want {
			t.Errorf("formatValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
