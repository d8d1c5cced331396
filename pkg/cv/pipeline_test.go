package cv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttachGranularity(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want string
	}{
		{"seconds span", "2026-02-01T10:00:00Z", "2026-02-01T10:00:15Z", "second"},
		{"minute boundary", "2026-02-01T10:00:00Z", "2026-02-01T10:00:30Z", "minute"},
		{"hour span", "2026-02-01T10:00:00Z", "2026-02-01T10:30:01Z", "hour"},
		{"day span", "2026-02-01T00:00:00Z", "2026-02-02T00:00:00Z", "day"},
		{"week boundary", "2026-02-01T00:00:00Z", "2026-02-08T00:00:00Z", "week"},
		{"month span", "2026-02-01T00:00:00Z", "2026-03-15T00:00:00Z", "month"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := map[string]any{"from_iso": tt.from, "to_iso": tt.to}
			attachGranularity(data)
			assert.Equal(t, tt.want, data["granularity"])
		})
	}
}

func TestAttachGranularitySkipsPartialSpans(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
	}{
		{"no span", map[string]any{"label": "person"}},
		{"from only", map[string]any{"from_iso": "2026-02-01T10:00:00Z"}},
		{"unparseable", map[string]any{"from_iso": "yesterday", "to_iso": "today"}},
		{"non-string", map[string]any{"from_iso": 12345, "to_iso": 67890}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attachGranularity(tt.data)
			_, ok := tt.data["granularity"]
			assert.False(t, ok)
		})
	}
}
