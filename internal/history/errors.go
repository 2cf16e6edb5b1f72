package history

import (
	"errors"
	"fmt"
	"strings"

	"github.com/narrativekit/review/internal/domain"
)

// Sentinel errors shared between the coordinator and its stores.
var (
	// ErrEntryNotFound is returned by EntryStore lookups that match nothing.
	ErrEntryNotFound = errors.New("history entry not found")

	// ErrAlreadyReversed is returned by MarkReversed when the one-way
	// transition already happened.
	ErrAlreadyReversed = errors.New("history entry already reversed")

	// ErrObjectMissing is returned by RestorationStore calls whose target
	// object no longer exists.
	ErrObjectMissing = errors.New("referenced object no longer exists")

	// ErrInvalidSnapshot marks a snapshot whose contents cannot drive a
	// restoration (for example a merge snapshot with no sources).
	ErrInvalidSnapshot = errors.New("snapshot cannot drive restoration")
)

// FailureReason is the machine-readable reason attached to a RequestError.
type FailureReason string

const (
	ReasonNotFound        FailureReason = "not_found"
	ReasonNotReversible   FailureReason = "not_reversible"
	ReasonAlreadyReversed FailureReason = "already_reversed"
	ReasonBlocked         FailureReason = "blocked_by_dependents"
	ReasonNothingToUndo   FailureReason = "nothing_to_undo"
)

// RequestError reports an undo request that was rejected before any mutation.
// It is always recoverable by the caller; Blockers carries the dependent
// entries to show the reviewer when Reason is ReasonBlocked.
type RequestError struct {
	Reason   FailureReason
	EntryID  int64
	BatchID  string
	Blockers []domain.HistoryEntry
}

func (e *RequestError) Error() string {
	subject := fmt.Sprintf("entry %d", e.EntryID)
	if e.BatchID != "" {
		subject = fmt.Sprintf("batch %s", e.BatchID)
	}
	switch e.Reason {
	case ReasonNotFound:
		return fmt.Sprintf("%s not found", subject)
	case ReasonNotReversible:
		return fmt.Sprintf("%s is not reversible", subject)
	case ReasonAlreadyReversed:
		return fmt.Sprintf("%s was already reversed", subject)
	case ReasonBlocked:
		return fmt.Sprintf("%s is blocked by dependent entries: %s", subject, describeEntries(e.Blockers))
	case ReasonNothingToUndo:
		return "nothing to undo"
	}
	return fmt.Sprintf("undo request for %s failed: %s", subject, e.Reason)
}

func describeEntries(entries []domain.HistoryEntry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		desc := string(e.ActionKind)
		if e.Note != "" {
			desc = e.Note
		}
		parts[i] = fmt.Sprintf("#%d (%s)", e.ID, desc)
	}
	return strings.Join(parts, ", ")
}

// RestorationError reports an undo that started but could not complete. The
// transaction was rolled back, so the entry remains undoable and the call is
// retryable.
type RestorationError struct {
	EntryID int64
	Kind    domain.ActionKind
	Err     error
}

func (e *RestorationError) Error() string {
	return fmt.Sprintf("failed to restore %s for entry %d: %v", e.Kind, e.EntryID, e.Err)
}

func (e *RestorationError) Unwrap() error {
	return e.Err
}
