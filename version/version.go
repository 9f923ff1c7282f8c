// Package version provides the primitives used to order Domain Events,
// both within a single Event Stream and across the whole Event Store.
package version

import "fmt"

// Version is the version of a single Event Stream.
//
// A Version is the number of Domain Events committed to the Event Stream,
// so a new Event Stream always starts at version 0. The first Domain Event
// appended to a stream carries version 1, and so on, strictly increasing
// with no gaps.
type Version uint64

// SequenceNumber is the global offset of a Domain Event in the Event Store.
//
// Sequence Numbers span all Event Streams and define the single total order
// used to drive Projections. They start at 1; the zero value is used as
// the "from the beginning" cursor by query operations.
//
// Sequence Numbers are assigned by the Event Store at commit time and,
// once assigned, are never reused nor reordered. Wall-clock timestamps
// are not a safe substitute under concurrent commits.
type SequenceNumber uint64

// SelectFromBeginning selects all the Domain Events in an Event Stream.
var SelectFromBeginning = Selector{From: 1}

// Selector specifies which slice of an Event Stream to read back.
type Selector struct {
	// From is the minimum stream Version (inclusive) to select.
	From Version
}

// Any can be used on append to skip the optimistic concurrency check
// on the target Event Stream version.
var Any = CheckAny{}

// Check is the optimistic concurrency check to perform when appending
// Domain Events to an Event Stream.
//
// Use CheckExact to enforce an expected stream version, or Any to append
// regardless of the current stream state.
type Check interface {
	isVersionCheck()
}

// CheckAny is a Check variant that skips optimistic concurrency checks.
type CheckAny struct{}

func (CheckAny) isVersionCheck() {}

// CheckExact is a Check variant that enforces an expected Event Stream
// version on append. Use 0 for a brand-new Event Stream.
type CheckExact Version

func (CheckExact) isVersionCheck() {}

// ConflictError is returned by an Event Store on append when the expected
// Event Stream version does not match the actual one.
//
// The conflict is caller-correctable: re-read the current stream version
// and retry the append. The Event Store never retries internally.
type ConflictError struct {
	Expected Version
	Actual   Version
}

func (err ConflictError) Error() string {
	return fmt.Sprintf(
		"version: conflict detected, expected stream version: %d, actual: %d",
		err.Expected, err.Actual,
	)
}
