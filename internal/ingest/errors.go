package ingest

import (
	crerr "github.com/cockroachdb/errors"
)

var (
	// ErrTransient marks fetch failures worth retrying (network, timeout, 429, 5xx).
	ErrTransient = crerr.New("transient fetch failure")
	// ErrTimeParse is returned when no date/time in the text matches a known grammar.
	ErrTimeParse = crerr.New("unrecognized date/time")
	// ErrPersistence wraps failures writing the final fixture document.
	ErrPersistence = crerr.New("persist fixture document")
	// ErrUnknownStrategy is returned for a source whose strategy has no extractor.
	ErrUnknownStrategy = crerr.New("unknown extraction strategy")
)

func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return crerr.Mark(err, ErrTransient)
}

// IsTransient reports whether err carries the transient mark.
func IsTransient(err error) bool {
	return err != nil && crerr.Is(err, ErrTransient)
}
