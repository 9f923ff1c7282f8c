package event

import "fmt"

// ValidationError is returned by an Appender when the append input is
// malformed (empty stream identifier, no events, missing payloads).
// Nothing has been persisted when a ValidationError is returned.
type ValidationError struct {
	Reason string
}

func (err ValidationError) Error() string {
	return fmt.Sprintf("event: invalid append request, %s", err.Reason)
}

// ValidateAppend checks the append input shared by all Appender
// implementations, returning a ValidationError when malformed.
func ValidateAppend(id StreamID, events []Envelope) error {
	switch {
	case id.Type == "":
		return ValidationError{Reason: "stream type is empty"}
	case id.Name == "":
		return ValidationError{Reason: "stream name is empty"}
	case len(events) == 0:
		return ValidationError{Reason: "no events to append"}
	}

	for i, evt := range events {
		if evt.Message == nil {
			return ValidationError{Reason: fmt.Sprintf("event at index %d has no message payload", i)}
		}
	}

	return nil
}

// StorageError is returned by an Event Store when a transactional I/O
// failure occurred. The operation has been rolled back and is safe to
// retry as a fresh call.
type StorageError struct {
	Err error
}

func (err StorageError) Error() string {
	return fmt.Sprintf("event: storage failure, %v", err.Err)
}

func (err StorageError) Unwrap() error { return err.Err }
