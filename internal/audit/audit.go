package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qazna.org/console/internal/auth"
)

// Actions recorded by the console.
const (
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// Draft is an entry before the recording authority assigns its ID and timestamp.
type Draft struct {
	ActorID     int64
	Action      string
	Module      string
	EntityType  string
	EntityID    string
	OldValue    json.RawMessage
	NewValue    json.RawMessage
	IPAddress   string
	OperationID string
}

// Entry is an immutable audit record.
type Entry struct {
	ID          string          `json:"id"`
	ActorID     int64           `json:"actorId"`
	Action      string          `json:"action"`
	Module      string          `json:"module"`
	EntityType  string          `json:"entityType"`
	EntityID    string          `json:"entityId"`
	OldValue    json.RawMessage `json:"oldValue,omitempty"`
	NewValue    json.RawMessage `json:"newValue,omitempty"`
	IPAddress   string          `json:"ipAddress,omitempty"`
	OperationID string          `json:"operationId,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Appender writes entries. Implementations are only handed out inside a unit of work,
// so an entry commits or rolls back together with the mutation it describes.
type Appender interface {
	Append(ctx context.Context, d Draft) (Entry, error)
}

// Publisher receives entries after their unit of work has committed.
type Publisher interface {
	Publish(e Entry)
}

// Querier reads the trail.
type Querier interface {
	Query(ctx context.Context, f Filter, page, size int) (Page, error)
}

// Validate checks the fields every entry must carry.
func (d Draft) Validate() error {
	switch {
	case strings.TrimSpace(d.Action) == "":
		return fmt.Errorf("%w: audit action is required", auth.ErrInvalidInput)
	case strings.TrimSpace(d.Module) == "":
		return fmt.Errorf("%w: audit module is required", auth.ErrInvalidInput)
	case strings.TrimSpace(d.EntityType) == "":
		return fmt.Errorf("%w: audit entity type is required", auth.ErrInvalidInput)
	case strings.TrimSpace(d.EntityID) == "":
		return fmt.Errorf("%w: audit entity id is required", auth.ErrInvalidInput)
	}
	return nil
}

// Stamp turns the draft into an entry.
func (d Draft) Stamp(id string, ts time.Time) Entry {
	return Entry{
		ID:          id,
		ActorID:     d.ActorID,
		Action:      d.Action,
		Module:      d.Module,
		EntityType:  d.EntityType,
		EntityID:    d.EntityID,
		OldValue:    d.OldValue,
		NewValue:    d.NewValue,
		IPAddress:   d.IPAddress,
		OperationID: d.OperationID,
		Timestamp:   ts,
	}
}

// NewDraft builds a draft for a mutation of entityType/entityID. Actor, client IP and
// operation ID come from ctx; before and after are JSON snapshots (nil to omit).
func NewDraft(ctx context.Context, action, module, entityType string, entityID int64, before, after any) (Draft, error) {
	d := Draft{
		ActorID:    auth.ActorID(ctx),
		Action:     action,
		Module:     module,
		EntityType: entityType,
		EntityID:   strconv.FormatInt(entityID, 10),
	}
	meta := MetaFromContext(ctx)
	d.IPAddress = meta.IPAddress
	d.OperationID = meta.OperationID

	var err error
	if d.OldValue, err = snapshot(before); err != nil {
		return Draft{}, err
	}
	if d.NewValue, err = snapshot(after); err != nil {
		return Draft{}, err
	}
	return d, d.Validate()
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("audit snapshot: %w", err)
	}
	return data, nil
}

// ErrNotInUnitOfWork is returned by appenders used after their unit of work ended.
var ErrNotInUnitOfWork = errors.New("audit: appender used outside its unit of work")
