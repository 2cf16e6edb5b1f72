package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/narrativekit/review/internal/domain"
	"github.com/narrativekit/review/internal/history"
)

// SetEntityActive flips the entity's soft-delete flag.
func (s *Store) SetEntityActive(ctx context.Context, entityID int64, active bool) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE entities
		SET is_active = $2, updated_at = now()
		WHERE id = $1`,
		entityID, active,
	)
	if err != nil {
		return fmt.Errorf("failed to set entity %d active=%t: %w", entityID, active, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %d: %w", entityID, history.ErrObjectMissing)
	}
	return nil
}

// SetEntityFields overwrites the non-nil fields only.
func (s *Store) SetEntityFields(ctx context.Context, entityID int64, fields domain.EntityFields) error {
	sets, args := fieldAssignments(map[string]any{
		"canonical_name": deref(fields.Name),
		"entity_type":    deref(fields.EntityType),
		"importance":     deref(fields.Importance),
	})
	if len(sets) == 0 {
		return nil
	}
	args = append(args, entityID)

	tag, err := s.db(ctx).Exec(ctx, fmt.Sprintf(`
		UPDATE entities
		SET %s, updated_at = now()
		WHERE id = $%d`,
		strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return fmt.Errorf("failed to update entity %d fields: %w", entityID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %d: %w", entityID, history.ErrObjectMissing)
	}
	return nil
}

// MoveMentions reassigns up to count mentions, most recently attached first.
func (s *Store) MoveMentions(ctx context.Context, fromEntityID, toEntityID int64, count int) (int, error) {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE entity_mentions
		SET entity_id = $2
		WHERE id IN (
			SELECT id FROM entity_mentions
			WHERE entity_id = $1
			ORDER BY id DESC
			LIMIT $3
		)`,
		fromEntityID, toEntityID, count,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to move mentions from entity %d to %d: %w", fromEntityID, toEntityID, err)
	}
	return int(tag.RowsAffected()), nil
}

// MoveAttributes reassigns up to count attributes, most recent first.
func (s *Store) MoveAttributes(ctx context.Context, fromEntityID, toEntityID int64, count int) error {
	_, err := s.db(ctx).Exec(ctx, `
		UPDATE entity_attributes
		SET entity_id = $2
		WHERE id IN (
			SELECT id FROM entity_attributes
			WHERE entity_id = $1
			ORDER BY id DESC
			LIMIT $3
		)`,
		fromEntityID, toEntityID, count,
	)
	if err != nil {
		return fmt.Errorf("failed to move attributes from entity %d to %d: %w", fromEntityID, toEntityID, err)
	}
	return nil
}

// MergeRecord reads the entity's merge provenance, nil when none.
func (s *Store) MergeRecord(ctx context.Context, entityID int64) (*domain.MergeRecord, error) {
	var raw []byte
	err := s.db(ctx).QueryRow(ctx, `
		SELECT merged_from_ids FROM entities WHERE id = $1`,
		entityID,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entity %d: %w", entityID, history.ErrObjectMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read merge record of entity %d: %w", entityID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var record domain.MergeRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode merge record of entity %d: %w", entityID, err)
	}
	return &record, nil
}

// SetMergeRecord writes the entity's merge provenance, clearing it when nil.
func (s *Store) SetMergeRecord(ctx context.Context, entityID int64, record *domain.MergeRecord) error {
	var raw []byte
	if record != nil {
		var err error
		raw, err = json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to encode merge record: %w", err)
		}
	}

	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE entities
		SET merged_from_ids = $2, updated_at = now()
		WHERE id = $1`,
		entityID, nullableJSON(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to write merge record of entity %d: %w", entityID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %d: %w", entityID, history.ErrObjectMissing)
	}
	return nil
}

// AdjustMentionCount shifts the entity's mention counter by delta.
func (s *Store) AdjustMentionCount(ctx context.Context, entityID int64, delta int) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE entities
		SET mention_count = mention_count + $2
		WHERE id = $1`,
		entityID, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to adjust mention count of entity %d: %w", entityID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %d: %w", entityID, history.ErrObjectMissing)
	}
	return nil
}

var targetTables = map[string]string{
	domain.TargetEntity:       "entities",
	domain.TargetAttribute:    "entity_attributes",
	domain.TargetRelationship: "interactions",
	domain.TargetAlert:        "alerts",
}

// DeleteObject removes one row of the given target type.
func (s *Store) DeleteObject(ctx context.Context, targetType string, id int64) error {
	table, ok := targetTables[targetType]
	if !ok {
		return fmt.Errorf("unknown target type %q", targetType)
	}
	if _, err := s.db(ctx).Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", table), id); err != nil {
		return fmt.Errorf("failed to delete %s %d: %w", targetType, id, err)
	}
	return nil
}

// InsertAttribute re-inserts a deleted attribute under its original id,
// insert-if-absent. The parent entity must still exist.
func (s *Store) InsertAttribute(ctx context.Context, id int64, attr domain.Attribute) error {
	if err := s.requireEntity(ctx, attr.EntityID); err != nil {
		return err
	}

	_, err := s.db(ctx).Exec(ctx, `
		INSERT INTO entity_attributes (id, entity_id, attribute_key, attribute_value, is_verified, confidence, chapter_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		id, attr.EntityID, attr.Key, attr.Value, attr.Verified, attr.Confidence, attr.ChapterID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert attribute %d: %w", id, err)
	}
	return nil
}

// InsertRelationship re-inserts a deleted relationship under its original id,
// insert-if-absent. Both endpoint entities must still exist.
func (s *Store) InsertRelationship(ctx context.Context, id int64, rel domain.Relationship) error {
	for _, entityID := range []int64{rel.Entity1ID, rel.Entity2ID} {
		if err := s.requireEntity(ctx, entityID); err != nil {
			return err
		}
	}

	_, err := s.db(ctx).Exec(ctx, `
		INSERT INTO interactions (id, project_id, entity1_id, entity2_id, relationship_type, detail, chapter_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		id, rel.ProjectID, rel.Entity1ID, rel.Entity2ID, rel.RelationshipType, rel.Detail, rel.ChapterID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert relationship %d: %w", id, err)
	}
	return nil
}

// SetAttributeFields overwrites the non-nil fields only.
func (s *Store) SetAttributeFields(ctx context.Context, attributeID int64, fields domain.AttributeFields) error {
	sets, args := fieldAssignments(map[string]any{
		"attribute_key":   deref(fields.Key),
		"attribute_value": deref(fields.Value),
		"is_verified":     deref(fields.Verified),
	})
	if len(sets) == 0 {
		return nil
	}
	args = append(args, attributeID)

	tag, err := s.db(ctx).Exec(ctx, fmt.Sprintf(`
		UPDATE entity_attributes
		SET %s
		WHERE id = $%d`,
		strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return fmt.Errorf("failed to update attribute %d fields: %w", attributeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("attribute %d: %w", attributeID, history.ErrObjectMissing)
	}
	return nil
}

// SetRelationshipFields overwrites the non-nil fields only.
func (s *Store) SetRelationshipFields(ctx context.Context, relationshipID int64, fields domain.RelationshipFields) error {
	sets, args := fieldAssignments(map[string]any{
		"relationship_type": deref(fields.RelationshipType),
		"detail":            deref(fields.Detail),
	})
	if len(sets) == 0 {
		return nil
	}
	args = append(args, relationshipID)

	tag, err := s.db(ctx).Exec(ctx, fmt.Sprintf(`
		UPDATE interactions
		SET %s
		WHERE id = $%d`,
		strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return fmt.Errorf("failed to update relationship %d fields: %w", relationshipID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("relationship %d: %w", relationshipID, history.ErrObjectMissing)
	}
	return nil
}

// SetAlertStatus restores the alert's triage status.
func (s *Store) SetAlertStatus(ctx context.Context, alertID int64, status string) error {
	tag, err := s.db(ctx).Exec(ctx, `
		UPDATE alerts SET status = $2 WHERE id = $1`,
		alertID, status,
	)
	if err != nil {
		return fmt.Errorf("failed to set status of alert %d: %w", alertID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %d: %w", alertID, history.ErrObjectMissing)
	}
	return nil
}

// AlertFingerprint returns the alert's content hash.
func (s *Store) AlertFingerprint(ctx context.Context, alertID int64) (string, error) {
	var fingerprint *string
	err := s.db(ctx).QueryRow(ctx, `
		SELECT content_hash FROM alerts WHERE id = $1`,
		alertID,
	).Scan(&fingerprint)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("alert %d: %w", alertID, history.ErrObjectMissing)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read fingerprint of alert %d: %w", alertID, err)
	}
	if fingerprint == nil {
		return "", nil
	}
	return *fingerprint, nil
}

// DeleteDismissalByFingerprint removes the persisted dismissal record, if
// any, for the given content hash.
func (s *Store) DeleteDismissalByFingerprint(ctx context.Context, projectID int64, fingerprint string) error {
	_, err := s.db(ctx).Exec(ctx, `
		DELETE FROM alert_dismissals
		WHERE project_id = $1 AND content_hash = $2`,
		projectID, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("failed to delete dismissal %s: %w", fingerprint, err)
	}
	return nil
}

func (s *Store) requireEntity(ctx context.Context, entityID int64) error {
	var exists bool
	err := s.db(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM entities WHERE id = $1)`,
		entityID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check entity %d: %w", entityID, err)
	}
	if !exists {
		return fmt.Errorf("entity %d: %w", entityID, history.ErrObjectMissing)
	}
	return nil
}

// fieldAssignments builds SET clauses for the non-nil values of a partial
// update, with stable column order.
func fieldAssignments(values map[string]any) ([]string, []any) {
	columns := make([]string, 0, len(values))
	for col, v := range values {
		if v != nil {
			columns = append(columns, col)
		}
	}
	sort.Strings(columns)

	sets := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+1)
		args[i] = values[col]
	}
	return sets, args
}

// deref boxes a typed pointer into an untyped nil-or-value for
// fieldAssignments.
func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
