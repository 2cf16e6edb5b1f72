package history

import (
	"context"
	"fmt"

	"github.com/narrativekit/review/internal/domain"
)

// Handler restores the prior state of one action kind from its old snapshot.
// Handlers run inside the undo transaction; any error aborts the whole undo.
type Handler func(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, snap domain.Snapshot) error

// defaultHandlers wires every reversible action kind to its restoration
// logic.
func defaultHandlers() map[domain.ActionKind]Handler {
	return map[domain.ActionKind]Handler{
		domain.ActionEntityCreated:       undoEntityCreated,
		domain.ActionEntityDeleted:       undoEntityDeleted,
		domain.ActionEntityUpdated:       undoEntityUpdated,
		domain.ActionEntityMerged:        undoEntityMerged,
		domain.ActionAlertResolved:       undoAlertStatusChange,
		domain.ActionAlertDismissed:      undoAlertStatusChange,
		domain.ActionAttributeAdded:      undoAttributeChange,
		domain.ActionAttributeUpdated:    undoAttributeChange,
		domain.ActionAttributeVerified:   undoAttributeVerified,
		domain.ActionAttributeDeleted:    undoAttributeDeleted,
		domain.ActionRelationshipCreated: undoRelationshipCreated,
		domain.ActionRelationshipUpdated: undoRelationshipUpdated,
		domain.ActionRelationshipDeleted: undoRelationshipDeleted,
	}
}

// undoEntityCreated soft-deletes the entity the action created.
func undoEntityCreated(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, _ domain.Snapshot) error {
	return store.SetEntityActive(ctx, entry.TargetID, false)
}

// undoEntityDeleted flips the entity's active flag back on; no data moves.
func undoEntityDeleted(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, _ domain.Snapshot) error {
	return store.SetEntityActive(ctx, entry.TargetID, true)
}

// undoEntityUpdated overwrites the fields present in the snapshot with their
// prior values; absent fields stay untouched.
func undoEntityUpdated(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, snap domain.Snapshot) error {
	s, err := snapshotAs[*domain.EntityFieldsSnapshot](entry, snap)
	if err != nil {
		return err
	}
	return store.SetEntityFields(ctx, entry.TargetID, domain.EntityFields{
		Name:       s.Name,
		EntityType: s.EntityType,
		Importance: s.Importance,
	})
}

// undoEntityMerged reactivates the merge sources, moves their mentions and
// attributes back by recency, trims the survivor's merge provenance and
// decrements its mention count by the total moved back.
func undoEntityMerged(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, snap domain.Snapshot) error {
	s, err := snapshotAs[*domain.EntityMergeSnapshot](entry, snap)
	if err != nil {
		return err
	}
	if len(s.Sources) == 0 {
		return fmt.Errorf("%w: merge snapshot for entry %d has no source entities", ErrInvalidSnapshot, entry.ID)
	}

	totalMoved := 0
	for _, src := range s.Sources {
		if err := store.SetEntityActive(ctx, src.ID, true); err != nil {
			return fmt.Errorf("failed to reactivate source entity %d: %w", src.ID, err)
		}
		if src.MentionCount > 0 {
			moved, err := store.MoveMentions(ctx, entry.TargetID, src.ID, src.MentionCount)
			if err != nil {
				return fmt.Errorf("failed to move mentions back to entity %d: %w", src.ID, err)
			}
			totalMoved += moved
		}
		if src.AttributeCount > 0 {
			if err := store.MoveAttributes(ctx, entry.TargetID, src.ID, src.AttributeCount); err != nil {
				return fmt.Errorf("failed to move attributes back to entity %d: %w", src.ID, err)
			}
		}
	}

	if err := trimMergeProvenance(ctx, store, entry.TargetID, s.Sources); err != nil {
		return err
	}

	if totalMoved > 0 {
		if err := store.AdjustMentionCount(ctx, entry.TargetID, -totalMoved); err != nil {
			return fmt.Errorf("failed to adjust mention count of entity %d: %w", entry.TargetID, err)
		}
	}
	return nil
}

// trimMergeProvenance removes the restored sources' names and ids from the
// surviving entity's merge record.
func trimMergeProvenance(ctx context.Context, store RestorationStore, entityID int64, sources []domain.MergeSourceSnapshot) error {
	record, err := store.MergeRecord(ctx, entityID)
	if err != nil {
		return fmt.Errorf("failed to read merge record of entity %d: %w", entityID, err)
	}
	if record == nil {
		return nil
	}

	dropNames := make(map[string]struct{})
	dropIDs := make(map[int64]struct{})
	for _, src := range sources {
		dropNames[src.Name] = struct{}{}
		for _, alias := range src.Aliases {
			dropNames[alias] = struct{}{}
		}
		dropIDs[src.ID] = struct{}{}
	}

	trimmed := &domain.MergeRecord{}
	for _, alias := range record.Aliases {
		if _, drop := dropNames[alias]; !drop {
			trimmed.Aliases = append(trimmed.Aliases, alias)
		}
	}
	for _, id := range record.MergedIDs {
		if _, drop := dropIDs[id]; !drop {
			trimmed.MergedIDs = append(trimmed.MergedIDs, id)
		}
	}
	if trimmed.Empty() {
		trimmed = nil
	}

	if err := store.SetMergeRecord(ctx, entityID, trimmed); err != nil {
		return fmt.Errorf("failed to update merge record of entity %d: %w", entityID, err)
	}
	return nil
}

// undoAlertStatusChange restores the alert's status. When the restored status
// is open, the persisted dismissal for the alert's fingerprint is removed so
// duplicate detection does not silently re-suppress it.
func undoAlertStatusChange(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, snap domain.Snapshot) error {
	s, err := snapshotAs[*domain.AlertStatusSnapshot](entry, snap)
	if err != nil {
		return err
	}
	if err := store.SetAlertStatus(ctx, entry.TargetID, s.Status); err != nil {
		return fmt.Errorf("failed to restore status of alert %d: %w", entry.TargetID, err)
	}
	if s.Status != domain.AlertStatusOpen {
		return nil
	}

	fingerprint := s.Fingerprint
	if fingerprint == "" {
		fingerprint, err = store.AlertFingerprint(ctx, entry.TargetID)
		if err != nil {
			return fmt.Errorf("failed to look up fingerprint of alert %d: %w", entry.TargetID, err)
		}
	}
	if fingerprint == "" {
		return nil
	}
	if err := store.DeleteDismissalByFingerprint(ctx, entry.ProjectID, fingerprint); err != nil {
		return fmt.Errorf("failed to remove dismissal for alert %d: %w", entry.TargetID, err)
	}
	return nil
}

// undoAttributeChange deletes attributes the action newly created, and
// field-wise restores the rest.
func undoAttributeChange(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, snap domain.Snapshot) error {
	s, err := snapshotAs[*domain.AttributeChangeSnapshot](entry, snap)
	if err != nil {
		return err
	}
	if s.WasNew {
		return store.DeleteObject(ctx, domain.TargetAttribute, entry.TargetID)
	}
	return store.SetAttributeFields(ctx, entry.TargetID, domain.AttributeFields{
		Key:      s.Key,
		Value:    s.Value,
		Verified: s.Verified,
	})
}

// undoAttributeVerified restores the verification flag, and the value field
// when the snapshot shows it changed during verification.
func undoAttributeVerified(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, snap domain.Snapshot) error {
	s, err := snapshotAs[*domain.AttributeChangeSnapshot](entry, snap)
	if err != nil {
		return err
	}
	verified := false
	if s.Verified != nil {
		verified = *s.Verified
	}
	return store.SetAttributeFields(ctx, entry.TargetID, domain.AttributeFields{
		Value:    s.Value,
		Verified: &verified,
	})
}

// undoAttributeDeleted re-inserts the full prior row, insert-if-absent.
func undoAttributeDeleted(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, snap domain.Snapshot) error {
	s, err := snapshotAs[*domain.AttributeRowSnapshot](entry, snap)
	if err != nil {
		return err
	}
	return store.InsertAttribute(ctx, entry.TargetID, domain.Attribute{
		ID:         entry.TargetID,
		EntityID:   s.EntityID,
		Key:        s.Key,
		Value:      s.Value,
		Verified:   s.Verified,
		Confidence: s.Confidence,
		ChapterID:  s.ChapterID,
	})
}

func undoRelationshipCreated(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, _ domain.Snapshot) error {
	return store.DeleteObject(ctx, domain.TargetRelationship, entry.TargetID)
}

func undoRelationshipUpdated(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, snap domain.Snapshot) error {
	s, err := snapshotAs[*domain.RelationshipFieldsSnapshot](entry, snap)
	if err != nil {
		return err
	}
	return store.SetRelationshipFields(ctx, entry.TargetID, domain.RelationshipFields{
		RelationshipType: s.RelationshipType,
		Detail:           s.Detail,
	})
}

// undoRelationshipDeleted re-inserts the full prior row, insert-if-absent.
func undoRelationshipDeleted(ctx context.Context, store RestorationStore, entry domain.HistoryEntry, snap domain.Snapshot) error {
	s, err := snapshotAs[*domain.RelationshipRowSnapshot](entry, snap)
	if err != nil {
		return err
	}
	return store.InsertRelationship(ctx, entry.TargetID, domain.Relationship{
		ID:               entry.TargetID,
		ProjectID:        entry.ProjectID,
		Entity1ID:        s.Entity1ID,
		Entity2ID:        s.Entity2ID,
		RelationshipType: s.RelationshipType,
		Detail:           s.Detail,
		ChapterID:        s.ChapterID,
	})
}

func snapshotAs[T domain.Snapshot](entry domain.HistoryEntry, snap domain.Snapshot) (T, error) {
	typed, ok := snap.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: entry %d (%s) decoded into unexpected snapshot type %T",
			ErrInvalidSnapshot, entry.ID, entry.ActionKind, snap)
	}
	return typed, nil
}
