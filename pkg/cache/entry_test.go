package cache

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestEntry_IsExpired(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		written time.Time
		ttl     time.Duration
		want    bool
	}{
		{"fresh", now.Add(-10 * time.Minute), 30 * time.Minute, false},
		{"exactly ttl", now.Add(-30 * time.Minute), 30 * time.Minute, false},
		{"one ms past ttl", now.Add(-30*time.Minute - time.Millisecond), 30 * time.Minute, true},
		{"zero ttl never expires", now.Add(-365 * 24 * time.Hour), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Entry{Timestamp: tt.written.UnixMilli()}
			if got := e.IsExpired(tt.ttl, now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntry_Age(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &Entry{Timestamp: now.Add(-5 * time.Minute).UnixMilli()}

	if got := e.Age(now); got != 5*time.Minute {
		t.Errorf("Age() = %v, want 5m", got)
	}
	if !e.WrittenAt().Equal(now.Add(-5 * time.Minute)) {
		t.Errorf("WrittenAt() = %v", e.WrittenAt())
	}
}

func TestShouldRevalidate(t *testing.T) {
	if ShouldRevalidate(nil) {
		t.Error("nil entry cannot be revalidated")
	}
	if ShouldRevalidate(&Entry{}) {
		t.Error("entry without ETag cannot be revalidated")
	}
	if !ShouldRevalidate(&Entry{ETag: `"abc"`}) {
		t.Error("entry with ETag should be revalidated")
	}
}

func TestAddConditionalHeaders(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/products", nil)
	AddConditionalHeaders(req, &Entry{ETag: `"abc123"`})

	if got := req.Header.Get("If-None-Match"); got != `"abc123"` {
		t.Errorf("If-None-Match = %q, want \"abc123\"", got)
	}

	// Should not panic with nil inputs
	AddConditionalHeaders(nil, &Entry{ETag: "x"})
	AddConditionalHeaders(&http.Request{}, nil)
}

func TestEntry_DecodeEmpty(t *testing.T) {
	var v []string
	if err := (&Entry{}).Decode(&v); !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Decode() error = %v, want ErrInvalidEntry", err)
	}

	e := &Entry{Data: []byte(`["a"]`)}
	if err := e.Decode(&v); err != nil || len(v) != 1 {
		t.Errorf("Decode() = %v, %v, want [a]", v, err)
	}
}
