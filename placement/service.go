// Package placement resolves placement queries to extent locations. It defines the service
// contract the segment engines consume and ships Simple, an in-process implementation that
// allocates through a segstore.BlockStore.
package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sharedcode/segstore"
)

// Status is the per-slot or per-request outcome of a placement operation.
type Status int

const (
	OK                 Status = -100
	NotEnoughLocations Status = -101
	FixedMatchFail     Status = -102
	FixedNotFound      Status = -103
	HintsInvalidLocal  Status = -104
	EmptyStack         Status = -105
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case NotEnoughLocations:
		return "not enough locations"
	case FixedMatchFail:
		return "fixed location does not match"
	case FixedNotFound:
		return "fixed location not found"
	case HintsInvalidLocal:
		return "invalid local query"
	case EmptyStack:
		return "malformed query"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// RidKey is the implicit attribute holding every location's own key.
const RidKey = "rid_key"

// Location is one place extents can be allocated at.
type Location struct {
	Key      string            `json:"key"`
	Endpoint string            `json:"endpoint"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Hint describes one slot (device) of a request. A slot with a Location is fixed: it is
// already placed and only checked. Query, when set, replaces the request query for the slot.
type Hint struct {
	Location string
	Query    segstore.Query
}

// Ask requests a new extent for a slot.
type Ask struct {
	Slot int
	Size int64
}

// Request asks for new extents. Hints carries one entry per slot.
type Request struct {
	Query    segstore.Query
	Hints    []Hint
	Asks     []Ask
	Duration time.Duration
}

// Allocation is the answer to one Ask. Err is set when the chosen location failed to allocate;
// Location is still set so callers can exclude it from the next attempt.
type Allocation struct {
	Slot     int
	Location string
	Endpoint string
	Caps     segstore.Capabilities
	Err      error
}

// Result holds one Allocation per Ask, in ask order, and one Status per Hint.
type Result struct {
	Allocations []Allocation
	Statuses    []Status
}

// Service is the placement contract consumed by the segment engines.
type Service interface {
	// Request picks locations for every Ask and allocates extents on them.
	// A request that can't be satisfied at all fails with a NotEnoughLocations or EmptyStack status.
	Request(ctx context.Context, req Request) (Result, error)
	// Check returns, per hint, whether its fixed location satisfies the query.
	Check(ctx context.Context, query segstore.Query, hints []Hint) ([]Status, error)
	// Lookup resolves a location key.
	Lookup(key string) (Location, bool)
	// MapVersion changes whenever a location's endpoint changes.
	MapVersion() uint64
}

func statusError(s Status, err error) error {
	return segstore.Error{
		Code:     segstore.PlacementError,
		Err:      err,
		UserData: s,
	}
}

// StatusOf extracts the Status carried by a placement error, OK for nil.
func StatusOf(err error) Status {
	if err == nil {
		return OK
	}
	var se segstore.Error
	if errors.As(err, &se) {
		if s, ok := se.UserData.(Status); ok {
			return s
		}
	}
	return NotEnoughLocations
}
