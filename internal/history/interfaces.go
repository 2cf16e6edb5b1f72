package history

import (
	"context"
	"time"

	"github.com/narrativekit/review/internal/domain"
)

// EntryStore persists the append-only history ledger. Implementations must
// assign ids monotonically within a project and make each call atomic.
type EntryStore interface {
	// Insert persists a new entry, assigning its id, and returns the stored
	// entry.
	Insert(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryEntry, error)

	// Get returns one entry, or ErrEntryNotFound.
	Get(ctx context.Context, projectID, entryID int64) (domain.HistoryEntry, error)

	// List returns entries matching the filter, newest first.
	List(ctx context.Context, projectID int64, filter domain.HistoryFilter, limit, offset int) ([]domain.HistoryEntry, error)

	// ListBatch returns every entry sharing batchID, newest first.
	ListBatch(ctx context.Context, projectID int64, batchID string) ([]domain.HistoryEntry, error)

	// ListBlockingDependents returns all not-reversed, non-reversal entries
	// whose recorded dependencies include entryID, newest first.
	ListBlockingDependents(ctx context.Context, projectID, entryID int64) ([]domain.HistoryEntry, error)

	// LatestUndoable returns the most recent undoable entry, or
	// ErrEntryNotFound when the ledger has none.
	LatestUndoable(ctx context.Context, projectID int64) (domain.HistoryEntry, error)

	// UndoableCount counts entries that are currently undoable.
	UndoableCount(ctx context.Context, projectID int64) (int, error)

	// CountByKind returns per-action-kind entry counts.
	CountByKind(ctx context.Context, projectID int64) (map[domain.ActionKind]int, error)

	// MarkReversed performs the one-way reversed_at transition. It returns
	// ErrAlreadyReversed if the entry was reversed before, or
	// ErrEntryNotFound.
	MarkReversed(ctx context.Context, projectID, entryID int64, at time.Time) error
}

// RestorationStore is the narrow mutation surface handlers restore prior
// state through. Implementations must surface missing objects as
// ErrObjectMissing rather than succeeding as no-ops.
type RestorationStore interface {
	SetEntityActive(ctx context.Context, entityID int64, active bool) error
	SetEntityFields(ctx context.Context, entityID int64, fields domain.EntityFields) error

	// MoveMentions reassigns up to count mentions from one entity to
	// another, most recently attached first, and returns how many moved.
	MoveMentions(ctx context.Context, fromEntityID, toEntityID int64, count int) (int, error)

	// MoveAttributes reassigns up to count attributes, most recent first.
	MoveAttributes(ctx context.Context, fromEntityID, toEntityID int64, count int) error

	MergeRecord(ctx context.Context, entityID int64) (*domain.MergeRecord, error)
	SetMergeRecord(ctx context.Context, entityID int64, record *domain.MergeRecord) error
	AdjustMentionCount(ctx context.Context, entityID int64, delta int) error

	DeleteObject(ctx context.Context, targetType string, id int64) error

	// InsertAttribute re-inserts a deleted attribute under its original id.
	// Inserting an id that already exists is a no-op.
	InsertAttribute(ctx context.Context, id int64, attr domain.Attribute) error

	// InsertRelationship re-inserts a deleted relationship under its
	// original id. Inserting an id that already exists is a no-op.
	InsertRelationship(ctx context.Context, id int64, rel domain.Relationship) error

	SetAttributeFields(ctx context.Context, attributeID int64, fields domain.AttributeFields) error
	SetRelationshipFields(ctx context.Context, relationshipID int64, fields domain.RelationshipFields) error

	SetAlertStatus(ctx context.Context, alertID int64, status string) error
	AlertFingerprint(ctx context.Context, alertID int64) (string, error)
	DeleteDismissalByFingerprint(ctx context.Context, projectID int64, fingerprint string) error
}

// TxRunner executes fn inside one atomic transaction: either every store
// call made through ctx commits, or none do.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
