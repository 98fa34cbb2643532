package audit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"qazna.org/console/internal/auth"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func entry(id string, actor int64, module, action, entityID string, offset time.Duration) Entry {
	return Entry{
		ID:         id,
		ActorID:    actor,
		Module:     module,
		Action:     action,
		EntityType: "Role",
		EntityID:   entityID,
		Timestamp:  base.Add(offset),
	}
}

func fixture() []Entry {
	return []Entry{
		entry("01", 1, "ROLE", ActionCreate, "10", 0),
		entry("02", 1, "ROLE", ActionUpdate, "10", time.Minute),
		entry("03", 2, "BRANCH", ActionDelete, "5", 2*time.Minute),
		entry("04", 2, "ROLE", ActionDelete, "10", 3*time.Minute),
		entry("05", 1, "USER", ActionUpdate, "7", 3*time.Minute),
	}
}

func ids(p Page) []string {
	out := make([]string, 0, len(p.Items))
	for _, e := range p.Items {
		out = append(out, e.ID)
	}
	return out
}

func TestPaginateOrdersNewestFirst(t *testing.T) {
	p := Paginate(fixture(), Filter{}, 0, 10)
	got := fmt.Sprint(ids(p))
	if got != "[05 04 03 02 01]" {
		t.Fatalf("unexpected order %s", got)
	}
	if p.TotalElements != 5 || p.TotalPages != 1 {
		t.Fatalf("unexpected totals: %+v", p)
	}
}

func TestPaginateFiltersAreConjunctive(t *testing.T) {
	actor := int64(2)
	from := base.Add(2 * time.Minute)
	cases := []struct {
		name   string
		filter Filter
		want   string
	}{
		{"module", Filter{Module: "ROLE"}, "[04 02 01]"},
		{"module and action", Filter{Module: "ROLE", Action: ActionDelete}, "[04]"},
		{"actor", Filter{ActorID: &actor}, "[04 03]"},
		{"entity", Filter{EntityType: "Role", EntityID: "10"}, "[04 02 01]"},
		{"from inclusive", Filter{From: &from}, "[05 04 03]"},
		{"window", Filter{From: &base, To: &from}, "[03 02 01]"},
		{"no match", Filter{Module: "ROLE", ActorID: &actor, Action: ActionCreate}, "[]"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := fmt.Sprint(ids(Paginate(fixture(), tc.filter, 0, 10))); got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestPaginatePages(t *testing.T) {
	p := Paginate(fixture(), Filter{}, 1, 2)
	if got := fmt.Sprint(ids(p)); got != "[03 02]" {
		t.Fatalf("unexpected page: %s", got)
	}
	if p.TotalPages != 3 {
		t.Fatalf("expected 3 pages, got %d", p.TotalPages)
	}
	empty := Paginate(fixture(), Filter{}, 9, 2)
	if len(empty.Items) != 0 || empty.Items == nil {
		t.Fatalf("expected empty non-nil page, got %#v", empty.Items)
	}
}

func TestNormalizePage(t *testing.T) {
	if p, s := NormalizePage(-1, 0); p != 0 || s != DefaultPageSize {
		t.Fatalf("unexpected defaults %d %d", p, s)
	}
	if _, s := NormalizePage(0, 1000); s != MaxPageSize {
		t.Fatalf("size not capped: %d", s)
	}
}

func TestHugePageIsEmptyNotOverflow(t *testing.T) {
	for _, page := range []int{1e17, math.MaxInt} {
		p, s := NormalizePage(page, MaxPageSize)
		if p*s < 0 || p*s+s < 0 {
			t.Fatalf("page %d overflows: %d*%d", page, p, s)
		}
		got := Paginate(fixture(), Filter{}, page, MaxPageSize)
		if len(got.Items) != 0 {
			t.Fatalf("expected empty page for %d, got %d items", page, len(got.Items))
		}
		if got.TotalElements != len(fixture()) {
			t.Fatalf("unexpected total %d", got.TotalElements)
		}
	}
}

func TestClockNeverGoesBackwardsPerActor(t *testing.T) {
	now := base
	clock := NewClock(func() time.Time { return now })

	first := clock.Stamp(1)
	now = base.Add(-time.Hour)
	second := clock.Stamp(1)
	if second.Before(first) {
		t.Fatalf("timestamp went backwards: %v then %v", first, second)
	}
	other := clock.Stamp(2)
	if !other.Equal(base.Add(-time.Hour)) {
		t.Fatalf("other actors must not be clamped, got %v", other)
	}
}

func TestNewDraftFromContext(t *testing.T) {
	ctx := auth.ContextWithPrincipal(context.Background(), auth.Principal{ID: 9})
	ctx = WithRequestMeta(ctx, RequestMeta{OperationID: "op-1", IPAddress: "127.0.0.1"})

	d, err := NewDraft(ctx, ActionUpdate, "ROLE", "Role", 3, map[string]string{"name": "a"}, map[string]string{"name": "b"})
	if err != nil {
		t.Fatalf("NewDraft: %v", err)
	}
	if d.ActorID != 9 || d.EntityID != "3" || d.OperationID != "op-1" || d.IPAddress != "127.0.0.1" {
		t.Fatalf("unexpected draft: %+v", d)
	}
	if string(d.OldValue) != `{"name":"a"}` || string(d.NewValue) != `{"name":"b"}` {
		t.Fatalf("unexpected snapshots: %s %s", d.OldValue, d.NewValue)
	}

	if _, err := NewDraft(ctx, "", "ROLE", "Role", 3, nil, nil); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
