package ids

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("id %q not greater than %q", next, prev)
		}
		prev = next
	}
}

func TestNewAtSameMillisecond(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	a := NewAt(ts)
	b := NewAt(ts)
	if a == b || b < a {
		t.Fatalf("expected increasing ids, got %q then %q", a, b)
	}
}

func TestOperationIsUUID(t *testing.T) {
	op := Operation()
	if _, err := uuid.Parse(op); err != nil {
		t.Fatalf("operation id %q is not a uuid: %v", op, err)
	}
}
