package shared

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	tests := []struct {
		prefix string
	}{
		{prefix: SessionIDPrefix},
		{prefix: "conn_"},
		{prefix: ""},
	}

	for _, tt := range tests {
		t.Run("prefix_"+tt.prefix, func(t *testing.T) {
			id := NewID(tt.prefix)
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("expected ID to start with '%s', got '%s'", tt.prefix, id)
			}
			expectedLen := len(tt.prefix) + 32
			if len(id) != expectedLen {
				t.Errorf("expected length %d, got %d", expectedLen, len(id))
			}
		})
	}

	id1 := NewID("test_")
	id2 := NewID("test_")
	if id1 == id2 {
		t.Error("expected unique IDs, got duplicates")
	}
}
