package xp

import (
	"errors"
	"fmt"
)

var (
	// ErrMemberExists is returned when a record is initiated twice for the same member.
	ErrMemberExists = errors.New("member record already exists")

	// ErrSettingsMissing is returned when a mutation is applied without guild settings.
	ErrSettingsMissing = errors.New("guild settings missing")

	// ErrUnknownMutation is returned by Engine.Apply for a mutation kind it does not handle.
	ErrUnknownMutation = errors.New("unknown mutation")

	// ErrInvalidTransfer is returned for transfers with a non-positive amount,
	// identical endpoints or a source member with nothing to give.
	ErrInvalidTransfer = errors.New("invalid transfer")
)

// SyncError reports a failed flush. The Rows records it covered were marked
// dirty again and will be retried on the next sync.
type SyncError struct {
	Rows int
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %d rows: %v", e.Rows, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
