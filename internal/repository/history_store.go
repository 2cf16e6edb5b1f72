package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/narrativekit/review/internal/domain"
	"github.com/narrativekit/review/internal/history"
)

const historyColumns = `id, project_id, action_kind, target_type, target_id,
	old_snapshot, new_snapshot, note, batch_id, depends_on_ids,
	schema_version, created_at, reversed_at`

// Insert persists a new history entry and returns it with its assigned id.
func (s *Store) Insert(ctx context.Context, entry domain.HistoryEntry) (domain.HistoryEntry, error) {
	dependsOn, err := json.Marshal(dependsOnOrEmpty(entry.DependsOnIDs))
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("failed to marshal depends_on_ids: %w", err)
	}

	row := s.db(ctx).QueryRow(ctx, `
		INSERT INTO review_history (
			project_id, action_kind, target_type, target_id,
			old_snapshot, new_snapshot, note, batch_id,
			depends_on_ids, schema_version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		entry.ProjectID,
		string(entry.ActionKind),
		entry.TargetType,
		nullableID(entry.TargetID),
		nullableJSON(entry.OldSnapshot),
		nullableJSON(entry.NewSnapshot),
		entry.Note,
		nullableText(entry.BatchID),
		dependsOn,
		entry.SchemaVersion,
		entry.CreatedAt,
	)
	if err := row.Scan(&entry.ID); err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("failed to insert history entry: %w", err)
	}
	return entry, nil
}

// Get returns one entry scoped to the project.
func (s *Store) Get(ctx context.Context, projectID, entryID int64) (domain.HistoryEntry, error) {
	row := s.db(ctx).QueryRow(ctx, `
		SELECT `+historyColumns+`
		FROM review_history
		WHERE id = $1 AND project_id = $2`,
		entryID, projectID,
	)
	entry, err := scanHistoryEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.HistoryEntry{}, history.ErrEntryNotFound
	}
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("failed to get history entry %d: %w", entryID, err)
	}
	return entry, nil
}

// List returns entries matching the filter, newest first.
func (s *Store) List(ctx context.Context, projectID int64, filter domain.HistoryFilter, limit, offset int) ([]domain.HistoryEntry, error) {
	query, args := buildHistoryListQuery(projectID, filter, limit, offset)
	rows, err := s.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history entries: %w", err)
	}
	defer rows.Close()
	return collectHistoryEntries(rows)
}

// buildHistoryListQuery assembles the filtered listing query. Kept separate
// from List so the condition assembly is testable without a database.
func buildHistoryListQuery(projectID int64, filter domain.HistoryFilter, limit, offset int) (string, []any) {
	conditions := []string{"project_id = $1"}
	args := []any{projectID}

	if len(filter.ActionKinds) > 0 {
		args = append(args, actionKindStrings(filter.ActionKinds))
		conditions = append(conditions, fmt.Sprintf("action_kind = ANY($%d)", len(args)))
	}
	if filter.TargetType != "" {
		args = append(args, filter.TargetType)
		conditions = append(conditions, fmt.Sprintf("target_type = $%d", len(args)))
	}
	if filter.TargetID != 0 {
		args = append(args, filter.TargetID)
		conditions = append(conditions, fmt.Sprintf("target_id = $%d", len(args)))
	}
	if filter.UndoableOnly {
		args = append(args, actionKindStrings(domain.ReversibleActionKinds()))
		conditions = append(conditions,
			fmt.Sprintf("action_kind = ANY($%d) AND old_snapshot IS NOT NULL AND reversed_at IS NULL", len(args)))
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT `+historyColumns+`
		FROM review_history
		WHERE %s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d`,
		strings.Join(conditions, " AND "), len(args)-1, len(args))
	return query, args
}

// ListBatch returns every entry sharing the batch id, newest first.
func (s *Store) ListBatch(ctx context.Context, projectID int64, batchID string) ([]domain.HistoryEntry, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT `+historyColumns+`
		FROM review_history
		WHERE project_id = $1 AND batch_id = $2
		ORDER BY id DESC`,
		projectID, batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch %s: %w", batchID, err)
	}
	defer rows.Close()
	return collectHistoryEntries(rows)
}

// ListBlockingDependents returns not-reversed, non-reversal entries whose
// depends_on_ids contain entryID, newest first.
func (s *Store) ListBlockingDependents(ctx context.Context, projectID, entryID int64) ([]domain.HistoryEntry, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT `+historyColumns+`
		FROM review_history
		WHERE project_id = $1
		  AND reversed_at IS NULL
		  AND action_kind <> $2
		  AND depends_on_ids @> to_jsonb($3::bigint)
		ORDER BY id DESC`,
		projectID, string(domain.ActionReversal), entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents of entry %d: %w", entryID, err)
	}
	defer rows.Close()
	return collectHistoryEntries(rows)
}

// LatestUndoable returns the most recent undoable entry.
func (s *Store) LatestUndoable(ctx context.Context, projectID int64) (domain.HistoryEntry, error) {
	row := s.db(ctx).QueryRow(ctx, `
		SELECT `+historyColumns+`
		FROM review_history
		WHERE project_id = $1
		  AND action_kind = ANY($2)
		  AND old_snapshot IS NOT NULL
		  AND reversed_at IS NULL
		ORDER BY id DESC
		LIMIT 1`,
		projectID, actionKindStrings(domain.ReversibleActionKinds()),
	)
	entry, err := scanHistoryEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.HistoryEntry{}, history.ErrEntryNotFound
	}
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("failed to find latest undoable entry: %w", err)
	}
	return entry, nil
}

// UndoableCount counts currently undoable entries.
func (s *Store) UndoableCount(ctx context.Context, projectID int64) (int, error) {
	var count int
	err := s.db(ctx).QueryRow(ctx, `
		SELECT COUNT(*)
		FROM review_history
		WHERE project_id = $1
		  AND action_kind = ANY($2)
		  AND old_snapshot IS NOT NULL
		  AND reversed_at IS NULL`,
		projectID, actionKindStrings(domain.ReversibleActionKinds()),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count undoable entries: %w", err)
	}
	return count, nil
}

// CountByKind returns per-action-kind entry counts.
func (s *Store) CountByKind(ctx context.Context, projectID int64) (map[domain.ActionKind]int, error) {
	rows, err := s.db(ctx).Query(ctx, `
		SELECT action_kind, COUNT(*)
		FROM review_history
		WHERE project_id = $1
		GROUP BY action_kind`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ActionKind]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[domain.ActionKind(kind)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read count rows: %w", err)
	}
	return counts, nil
}

// MarkReversed performs the one-way reversed_at transition.
func (s *Store) MarkReversed(ctx context.Context, projectID, entryID int64, at time.Time) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE review_history
		SET reversed_at = $3
		WHERE id = $1 AND project_id = $2 AND reversed_at IS NULL`,
		entryID, projectID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d reversed: %w", entryID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := s.Get(ctx, projectID, entryID); err != nil {
		return err
	}
	return history.ErrAlreadyReversed
}

func scanHistoryEntry(row pgx.Row) (domain.HistoryEntry, error) {
	var (
		entry       domain.HistoryEntry
		kind        string
		targetID    *int64
		oldSnapshot []byte
		newSnapshot []byte
		batchID     *string
		dependsOn   []byte
	)
	err := row.Scan(
		&entry.ID,
		&entry.ProjectID,
		&kind,
		&entry.TargetType,
		&targetID,
		&oldSnapshot,
		&newSnapshot,
		&entry.Note,
		&batchID,
		&dependsOn,
		&entry.SchemaVersion,
		&entry.CreatedAt,
		&entry.ReversedAt,
	)
	if err != nil {
		return domain.HistoryEntry{}, err
	}

	entry.ActionKind = domain.ActionKind(kind)
	if targetID != nil {
		entry.TargetID = *targetID
	}
	if batchID != nil {
		entry.BatchID = *batchID
	}
	entry.OldSnapshot = oldSnapshot
	entry.NewSnapshot = newSnapshot
	if len(dependsOn) > 0 {
		if err := json.Unmarshal(dependsOn, &entry.DependsOnIDs); err != nil {
			return domain.HistoryEntry{}, fmt.Errorf("failed to unmarshal depends_on_ids: %w", err)
		}
	}
	return entry, nil
}

func collectHistoryEntries(rows pgx.Rows) ([]domain.HistoryEntry, error) {
	var entries []domain.HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}
	return entries, nil
}

func actionKindStrings(kinds []domain.ActionKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func dependsOnOrEmpty(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func nullableText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
