package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narrativekit/review/internal/domain"
)

// Manager coordinates one project's review ledger: it records mutations as
// they commit and drives selective undo across them. It is constructed per
// project and passed explicitly to call sites; there is no process-wide
// instance.
//
// Record, Undo and UndoBatch serialize on an internal mutex so that id
// assignment, dependency snapshots and the reversed_at transition are
// linearizable even when background analysis and the UI call in
// concurrently.
type Manager struct {
	projectID int64
	entries   EntryStore
	restorer  RestorationStore
	tx        TxRunner
	deps      *DependencyIndex
	handlers  map[domain.ActionKind]Handler

	mu  sync.Mutex
	now func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithHandler overrides or adds the restoration handler for one action kind.
func WithHandler(kind domain.ActionKind, h Handler) Option {
	return func(m *Manager) {
		m.handlers[kind] = h
	}
}

// NewManager builds the undo coordinator for one project.
func NewManager(projectID int64, entries EntryStore, restorer RestorationStore, tx TxRunner, opts ...Option) *Manager {
	m := &Manager{
		projectID: projectID,
		entries:   entries,
		restorer:  restorer,
		tx:        tx,
		deps:      NewDependencyIndex(projectID, entries),
		handlers:  defaultHandlers(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProjectID returns the project this manager is scoped to.
func (m *Manager) ProjectID() int64 {
	return m.projectID
}

// RecordInput describes one domain mutation to append to the ledger. The
// caller records immediately after committing its own change, with
// OldSnapshot capturing the overwritten state.
type RecordInput struct {
	ActionKind   domain.ActionKind
	TargetType   string
	TargetID     int64
	OldSnapshot  domain.Snapshot
	NewSnapshot  any
	Note         string
	BatchID      string
	DependsOnIDs []int64
}

// Record appends a new entry and returns it with its assigned id and
// timestamp.
func (m *Manager) Record(ctx context.Context, input RecordInput) (domain.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(ctx, input)
}

func (m *Manager) record(ctx context.Context, input RecordInput) (domain.HistoryEntry, error) {
	if input.ActionKind == "" {
		return domain.HistoryEntry{}, errors.New("action kind is required")
	}

	oldSnap, err := domain.EncodeSnapshot(input.OldSnapshot)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	newSnap, err := encodeNewSnapshot(input.NewSnapshot)
	if err != nil {
		return domain.HistoryEntry{}, err
	}

	// Dependencies must reference existing, earlier entries. Ids are
	// assigned monotonically, so existence implies causal order.
	for _, depID := range input.DependsOnIDs {
		if _, err := m.entries.Get(ctx, m.projectID, depID); err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				return domain.HistoryEntry{}, fmt.Errorf("dependency on unknown entry %d", depID)
			}
			return domain.HistoryEntry{}, fmt.Errorf("failed to verify dependency %d: %w", depID, err)
		}
	}

	entry := domain.HistoryEntry{
		ProjectID:     m.projectID,
		ActionKind:    input.ActionKind,
		TargetType:    input.TargetType,
		TargetID:      input.TargetID,
		OldSnapshot:   oldSnap,
		NewSnapshot:   newSnap,
		Note:          input.Note,
		BatchID:       input.BatchID,
		DependsOnIDs:  input.DependsOnIDs,
		SchemaVersion: domain.SnapshotSchemaVersion,
		CreatedAt:     m.now().UTC(),
	}

	stored, err := m.entries.Insert(ctx, entry)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("failed to record %s on %s:%d: %w",
			input.ActionKind, input.TargetType, input.TargetID, err)
	}
	return stored, nil
}

// NewBatchID returns an opaque token grouping entries into one logical
// compound operation.
func (m *Manager) NewBatchID() string {
	return uuid.NewString()
}

// Get returns one entry, or a RequestError with ReasonNotFound.
func (m *Manager) Get(ctx context.Context, entryID int64) (domain.HistoryEntry, error) {
	entry, err := m.entries.Get(ctx, m.projectID, entryID)
	if errors.Is(err, ErrEntryNotFound) {
		return domain.HistoryEntry{}, &RequestError{Reason: ReasonNotFound, EntryID: entryID}
	}
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("failed to get entry %d: %w", entryID, err)
	}
	return entry, nil
}

// List returns entries matching the filter, newest first.
func (m *Manager) List(ctx context.Context, filter domain.HistoryFilter, limit, offset int) ([]domain.HistoryEntry, error) {
	return m.entries.List(ctx, m.projectID, filter, limit, offset)
}

// TargetHistory returns the full trail for one object, newest first.
func (m *Manager) TargetHistory(ctx context.Context, targetType string, targetID int64) ([]domain.HistoryEntry, error) {
	return m.entries.List(ctx, m.projectID, domain.HistoryFilter{
		TargetType: targetType,
		TargetID:   targetID,
	}, 1000, 0)
}

// UndoableCount counts entries that can currently be undone, for the UI
// badge.
func (m *Manager) UndoableCount(ctx context.Context) (int, error) {
	return m.entries.UndoableCount(ctx, m.projectID)
}

// Stats summarizes the ledger by action kind.
type Stats struct {
	ByKind map[domain.ActionKind]int
	Total  int
}

// Stats returns per-action-kind entry counts.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	byKind, err := m.entries.CountByKind(ctx, m.projectID)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count entries: %w", err)
	}
	s := Stats{ByKind: byKind}
	for _, n := range byKind {
		s.Total += n
	}
	return s, nil
}

// CanUndo reports whether the entry can be undone right now. It returns nil
// when undo would proceed, a *RequestError naming the reason otherwise.
func (m *Manager) CanUndo(ctx context.Context, entryID int64) error {
	entry, err := m.entries.Get(ctx, m.projectID, entryID)
	if errors.Is(err, ErrEntryNotFound) {
		return &RequestError{Reason: ReasonNotFound, EntryID: entryID}
	}
	if err != nil {
		return fmt.Errorf("failed to get entry %d: %w", entryID, err)
	}
	return m.checkUndoable(ctx, entry, nil)
}

// checkUndoable validates one entry. Dependents whose ids appear in exclude
// do not count as blockers; UndoBatch passes the batch member set so that
// intra-batch dependencies never block a member undo.
func (m *Manager) checkUndoable(ctx context.Context, entry domain.HistoryEntry, exclude map[int64]struct{}) error {
	if !entry.ActionKind.Reversible() || len(entry.OldSnapshot) == 0 {
		return &RequestError{Reason: ReasonNotReversible, EntryID: entry.ID}
	}
	if entry.IsReversed() {
		return &RequestError{Reason: ReasonAlreadyReversed, EntryID: entry.ID}
	}
	blockers, err := m.deps.BlockingDependents(ctx, entry.ID)
	if err != nil {
		return err
	}
	if len(exclude) > 0 {
		filtered := make([]domain.HistoryEntry, 0, len(blockers))
		for _, b := range blockers {
			if _, skip := exclude[b.ID]; !skip {
				filtered = append(filtered, b)
			}
		}
		blockers = filtered
	}
	if len(blockers) > 0 {
		return &RequestError{Reason: ReasonBlocked, EntryID: entry.ID, Blockers: blockers}
	}
	return nil
}

// UndoResult reports a completed undo.
type UndoResult struct {
	EntryID         int64
	ReversalEntryID int64
}

// Undo reverses one entry: it re-validates, runs the matching restoration
// handler, marks the entry reversed and records the reversal, all inside one
// transaction. On handler failure the transaction rolls back and the entry
// stays undoable.
func (m *Manager) Undo(ctx context.Context, entryID int64) (UndoResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.undo(ctx, entryID, nil)
}

// UndoLast reverses the most recent undoable entry.
func (m *Manager) UndoLast(ctx context.Context) (UndoResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.entries.LatestUndoable(ctx, m.projectID)
	if errors.Is(err, ErrEntryNotFound) {
		return UndoResult{}, &RequestError{Reason: ReasonNothingToUndo}
	}
	if err != nil {
		return UndoResult{}, fmt.Errorf("failed to find latest undoable entry: %w", err)
	}
	return m.undo(ctx, entry.ID, nil)
}

// BatchUndoResult reports a batch undo. UndoneEntryIDs lists the members
// reversed before any failure, most recent first.
type BatchUndoResult struct {
	BatchID        string
	UndoneEntryIDs []int64
}

// UndoBatch reverses every member of the batch in reverse chronological
// order. If any entry outside the batch depends on a member, nothing is
// mutated and the blockers are returned. A handler failure stops the loop;
// members reversed before it stay reversed, each inside its own transaction.
func (m *Manager) UndoBatch(ctx context.Context, batchID string) (BatchUndoResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := BatchUndoResult{BatchID: batchID}

	members, err := m.entries.ListBatch(ctx, m.projectID, batchID)
	if err != nil {
		return result, fmt.Errorf("failed to list batch %s: %w", batchID, err)
	}
	if len(members) == 0 {
		return result, &RequestError{Reason: ReasonNotFound, BatchID: batchID}
	}

	blockers, err := m.deps.BatchBlockingDependents(ctx, batchID)
	if err != nil {
		return result, err
	}
	if len(blockers) > 0 {
		return result, &RequestError{Reason: ReasonBlocked, BatchID: batchID, Blockers: blockers}
	}

	// The batch-wide blocker check already ruled out outside dependents;
	// members themselves must not re-block each other, including skipped
	// members that recorded dependencies but are not undoable.
	memberIDs := make(map[int64]struct{}, len(members))
	for _, member := range members {
		memberIDs[member.ID] = struct{}{}
	}

	// Members arrive newest first, so dependents inside the batch are
	// reversed before the entries they depend on.
	for _, member := range members {
		if !member.IsUndoable() {
			continue
		}
		if _, err := m.undo(ctx, member.ID, memberIDs); err != nil {
			return result, err
		}
		result.UndoneEntryIDs = append(result.UndoneEntryIDs, member.ID)
	}
	return result, nil
}

func (m *Manager) undo(ctx context.Context, entryID int64, exclude map[int64]struct{}) (UndoResult, error) {
	entry, err := m.entries.Get(ctx, m.projectID, entryID)
	if errors.Is(err, ErrEntryNotFound) {
		return UndoResult{}, &RequestError{Reason: ReasonNotFound, EntryID: entryID}
	}
	if err != nil {
		return UndoResult{}, fmt.Errorf("failed to get entry %d: %w", entryID, err)
	}
	if err := m.checkUndoable(ctx, entry, exclude); err != nil {
		return UndoResult{}, err
	}

	handler, ok := m.handlers[entry.ActionKind]
	if !ok {
		return UndoResult{}, &RequestError{Reason: ReasonNotReversible, EntryID: entry.ID}
	}

	snap, err := domain.DecodeOldSnapshot(entry.ActionKind, entry.SchemaVersion, entry.OldSnapshot)
	if err != nil {
		return UndoResult{}, m.restorationFailure(entry, err)
	}

	var reversal domain.HistoryEntry
	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := handler(ctx, m.restorer, entry, snap); err != nil {
			return err
		}
		if err := m.entries.MarkReversed(ctx, m.projectID, entry.ID, m.now().UTC()); err != nil {
			return err
		}
		reversal, err = m.record(ctx, RecordInput{
			ActionKind:  domain.ActionReversal,
			TargetType:  entry.TargetType,
			TargetID:    entry.TargetID,
			OldSnapshot: &domain.ReversalSnapshot{ReversedEntryID: entry.ID},
			NewSnapshot: entry.OldSnapshot,
			Note:        fmt.Sprintf("reverted %s #%d on %s:%d", entry.ActionKind, entry.ID, entry.TargetType, entry.TargetID),
		})
		return err
	})
	if err != nil {
		return UndoResult{}, m.restorationFailure(entry, err)
	}

	return UndoResult{EntryID: entry.ID, ReversalEntryID: reversal.ID}, nil
}

func (m *Manager) restorationFailure(entry domain.HistoryEntry, err error) error {
	log.Printf("undo of entry %d (%s) failed: %v", entry.ID, entry.ActionKind, err)
	return &RestorationError{EntryID: entry.ID, Kind: entry.ActionKind, Err: err}
}

func encodeNewSnapshot(v any) (json.RawMessage, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return s, nil
	case []byte:
		return s, nil
	case domain.Snapshot:
		return domain.EncodeSnapshot(s)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode new snapshot: %w", err)
		}
		return raw, nil
	}
}
