package audit

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"qazna.org/console/internal/auth"
)

// Values encodes f, page and size as query parameters of GET /audit-logs.
func (f Filter) Values(page, size int) url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("module", f.Module)
	set("action", f.Action)
	set("entityType", f.EntityType)
	set("entityId", f.EntityID)
	set("operationId", f.OperationID)
	if f.ActorID != nil {
		v.Set("actorId", strconv.FormatInt(*f.ActorID, 10))
	}
	if f.From != nil {
		v.Set("from", f.From.UTC().Format(time.RFC3339Nano))
	}
	if f.To != nil {
		v.Set("to", f.To.UTC().Format(time.RFC3339Nano))
	}
	v.Set("page", strconv.Itoa(page))
	v.Set("size", strconv.Itoa(size))
	return v
}

// ParseQuery decodes the parameters produced by Filter.Values. Page and size are
// normalized; malformed values fail with ErrInvalidInput.
func ParseQuery(v url.Values) (Filter, int, int, error) {
	f := Filter{
		Module:      strings.TrimSpace(v.Get("module")),
		Action:      strings.ToUpper(strings.TrimSpace(v.Get("action"))),
		EntityType:  strings.TrimSpace(v.Get("entityType")),
		EntityID:    strings.TrimSpace(v.Get("entityId")),
		OperationID: strings.TrimSpace(v.Get("operationId")),
	}
	if raw := v.Get("actorId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Filter{}, 0, 0, fmt.Errorf("%w: actorId %q", auth.ErrInvalidInput, raw)
		}
		f.ActorID = &id
	}
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := v.Get(p.key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Filter{}, 0, 0, fmt.Errorf("%w: %s must be RFC 3339", auth.ErrInvalidInput, p.key)
		}
		*p.dst = &ts
	}
	page, err := intParam(v, "page")
	if err != nil {
		return Filter{}, 0, 0, err
	}
	size, err := intParam(v, "size")
	if err != nil {
		return Filter{}, 0, 0, err
	}
	page, size = NormalizePage(page, size)
	return f, page, size, nil
}

func intParam(v url.Values, key string) (int, error) {
	raw := v.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", auth.ErrInvalidInput, key, raw)
	}
	return n, nil
}
