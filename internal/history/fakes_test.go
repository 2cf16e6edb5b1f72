package history

import (
	"context"
	"fmt"
	"time"

	"github.com/narrativekit/review/internal/domain"
)

// fakeWorld is an in-memory stand-in for the Postgres store: the ledger, the
// domain rows restoration mutates, and a transaction runner that restores the
// whole state when the callback fails.
type fakeWorld struct {
	projectID   int64
	nextEntryID int64
	entries     []domain.HistoryEntry

	entities      map[int64]*fakeEntity
	mentions      []fakeMention
	nextMentionID int64
	attributes    map[int64]domain.Attribute
	relationships map[int64]domain.Relationship
	alerts        map[int64]*fakeAlert
	dismissals    map[string]bool

	// fail maps a RestorationStore method name to an error it should
	// return, to exercise rollback paths.
	fail map[string]error
}

type fakeEntity struct {
	Name         string
	EntityType   string
	Importance   string
	Active       bool
	MentionCount int
	Merge        *domain.MergeRecord
}

type fakeMention struct {
	ID       int64
	EntityID int64
}

type fakeAlert struct {
	Status      string
	Fingerprint string
}

func newFakeWorld(projectID int64) *fakeWorld {
	return &fakeWorld{
		projectID:     projectID,
		entities:      make(map[int64]*fakeEntity),
		attributes:    make(map[int64]domain.Attribute),
		relationships: make(map[int64]domain.Relationship),
		alerts:        make(map[int64]*fakeAlert),
		dismissals:    make(map[string]bool),
		fail:          make(map[string]error),
	}
}

func (w *fakeWorld) addEntity(id int64, name string) *fakeEntity {
	e := &fakeEntity{Name: name, EntityType: "character", Importance: "minor", Active: true}
	w.entities[id] = e
	return e
}

func (w *fakeWorld) addMentions(entityID int64, n int) {
	for i := 0; i < n; i++ {
		w.nextMentionID++
		w.mentions = append(w.mentions, fakeMention{ID: w.nextMentionID, EntityID: entityID})
	}
	if e, ok := w.entities[entityID]; ok {
		e.MentionCount += n
	}
}

func (w *fakeWorld) mentionCountOf(entityID int64) int {
	n := 0
	for _, m := range w.mentions {
		if m.EntityID == entityID {
			n++
		}
	}
	return n
}

// --- TxRunner ---

func (w *fakeWorld) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	saved := w.snapshot()
	if err := fn(ctx); err != nil {
		w.restore(saved)
		return err
	}
	return nil
}

func (w *fakeWorld) snapshot() *fakeWorld {
	saved := &fakeWorld{
		nextEntryID:   w.nextEntryID,
		nextMentionID: w.nextMentionID,
		entries:       append([]domain.HistoryEntry(nil), w.entries...),
		mentions:      append([]fakeMention(nil), w.mentions...),
		entities:      make(map[int64]*fakeEntity, len(w.entities)),
		attributes:    make(map[int64]domain.Attribute, len(w.attributes)),
		relationships: make(map[int64]domain.Relationship, len(w.relationships)),
		alerts:        make(map[int64]*fakeAlert, len(w.alerts)),
		dismissals:    make(map[string]bool, len(w.dismissals)),
	}
	for id, e := range w.entities {
		copied := *e
		if e.Merge != nil {
			m := *e.Merge
			m.Aliases = append([]string(nil), e.Merge.Aliases...)
			m.MergedIDs = append([]int64(nil), e.Merge.MergedIDs...)
			copied.Merge = &m
		}
		saved.entities[id] = &copied
	}
	for id, a := range w.attributes {
		saved.attributes[id] = a
	}
	for id, r := range w.relationships {
		saved.relationships[id] = r
	}
	for id, a := range w.alerts {
		copied := *a
		saved.alerts[id] = &copied
	}
	for fp := range w.dismissals {
		saved.dismissals[fp] = true
	}
	return saved
}

func (w *fakeWorld) restore(saved *fakeWorld) {
	w.nextEntryID = saved.nextEntryID
	w.nextMentionID = saved.nextMentionID
	w.entries = saved.entries
	w.mentions = saved.mentions
	w.attributes = saved.attributes
	w.relationships = saved.relationships
	w.dismissals = saved.dismissals

	// Entity and alert state is written back through the surviving
	// pointers, so references captured by tests before the transaction
	// still alias the store after a rollback.
	for id := range w.entities {
		if _, kept := saved.entities[id]; !kept {
			delete(w.entities, id)
		}
	}
	for id, s := range saved.entities {
		if cur, ok := w.entities[id]; ok {
			*cur = *s
		} else {
			w.entities[id] = s
		}
	}
	for id := range w.alerts {
		if _, kept := saved.alerts[id]; !kept {
			delete(w.alerts, id)
		}
	}
	for id, s := range saved.alerts {
		if cur, ok := w.alerts[id]; ok {
			*cur = *s
		} else {
			w.alerts[id] = s
		}
	}
}

// --- EntryStore ---

func (w *fakeWorld) Insert(_ context.Context, entry domain.HistoryEntry) (domain.HistoryEntry, error) {
	w.nextEntryID++
	entry.ID = w.nextEntryID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	w.entries = append(w.entries, entry)
	return entry, nil
}

func (w *fakeWorld) Get(_ context.Context, projectID, entryID int64) (domain.HistoryEntry, error) {
	for _, e := range w.entries {
		if e.ID == entryID && e.ProjectID == projectID {
			return e, nil
		}
	}
	return domain.HistoryEntry{}, ErrEntryNotFound
}

func matchesFilter(e domain.HistoryEntry, filter domain.HistoryFilter) bool {
	if len(filter.ActionKinds) > 0 {
		found := false
		for _, k := range filter.ActionKinds {
			if e.ActionKind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.TargetType != "" && e.TargetType != filter.TargetType {
		return false
	}
	if filter.TargetID != 0 && e.TargetID != filter.TargetID {
		return false
	}
	if filter.UndoableOnly && !e.IsUndoable() {
		return false
	}
	return true
}

func (w *fakeWorld) List(_ context.Context, projectID int64, filter domain.HistoryFilter, limit, offset int) ([]domain.HistoryEntry, error) {
	var matched []domain.HistoryEntry
	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if e.ProjectID != projectID || !matchesFilter(e, filter) {
			continue
		}
		matched = append(matched, e)
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (w *fakeWorld) ListBatch(_ context.Context, projectID int64, batchID string) ([]domain.HistoryEntry, error) {
	var matched []domain.HistoryEntry
	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if e.ProjectID == projectID && e.BatchID == batchID && batchID != "" {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func (w *fakeWorld) ListBlockingDependents(_ context.Context, projectID, entryID int64) ([]domain.HistoryEntry, error) {
	var matched []domain.HistoryEntry
	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if e.ProjectID != projectID || e.IsReversed() || e.ActionKind == domain.ActionReversal {
			continue
		}
		if e.DependsOn(entryID) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

func (w *fakeWorld) LatestUndoable(_ context.Context, projectID int64) (domain.HistoryEntry, error) {
	for i := len(w.entries) - 1; i >= 0; i-- {
		e := w.entries[i]
		if e.ProjectID == projectID && e.IsUndoable() {
			return e, nil
		}
	}
	return domain.HistoryEntry{}, ErrEntryNotFound
}

func (w *fakeWorld) UndoableCount(_ context.Context, projectID int64) (int, error) {
	n := 0
	for _, e := range w.entries {
		if e.ProjectID == projectID && e.IsUndoable() {
			n++
		}
	}
	return n, nil
}

func (w *fakeWorld) CountByKind(_ context.Context, projectID int64) (map[domain.ActionKind]int, error) {
	counts := make(map[domain.ActionKind]int)
	for _, e := range w.entries {
		if e.ProjectID == projectID {
			counts[e.ActionKind]++
		}
	}
	return counts, nil
}

func (w *fakeWorld) MarkReversed(_ context.Context, projectID, entryID int64, at time.Time) error {
	for i := range w.entries {
		e := &w.entries[i]
		if e.ID != entryID || e.ProjectID != projectID {
			continue
		}
		if e.ReversedAt != nil {
			return ErrAlreadyReversed
		}
		stamped := at
		e.ReversedAt = &stamped
		return nil
	}
	return ErrEntryNotFound
}

// --- RestorationStore ---

func (w *fakeWorld) failure(method string) error {
	return w.fail[method]
}

func (w *fakeWorld) SetEntityActive(_ context.Context, entityID int64, active bool) error {
	if err := w.failure("SetEntityActive"); err != nil {
		return err
	}
	e, ok := w.entities[entityID]
	if !ok {
		return fmt.Errorf("entity %d: %w", entityID, ErrObjectMissing)
	}
	e.Active = active
	return nil
}

func (w *fakeWorld) SetEntityFields(_ context.Context, entityID int64, fields domain.EntityFields) error {
	if err := w.failure("SetEntityFields"); err != nil {
		return err
	}
	e, ok := w.entities[entityID]
	if !ok {
		return fmt.Errorf("entity %d: %w", entityID, ErrObjectMissing)
	}
	if fields.Name != nil {
		e.Name = *fields.Name
	}
	if fields.EntityType != nil {
		e.EntityType = *fields.EntityType
	}
	if fields.Importance != nil {
		e.Importance = *fields.Importance
	}
	return nil
}

// MoveMentions reassigns the highest-id mentions first, mirroring the
// recency order the SQL store uses.
func (w *fakeWorld) MoveMentions(_ context.Context, fromEntityID, toEntityID int64, count int) (int, error) {
	if err := w.failure("MoveMentions"); err != nil {
		return 0, err
	}
	moved := 0
	for i := len(w.mentions) - 1; i >= 0 && moved < count; i-- {
		if w.mentions[i].EntityID == fromEntityID {
			w.mentions[i].EntityID = toEntityID
			moved++
		}
	}
	return moved, nil
}

func (w *fakeWorld) MoveAttributes(_ context.Context, fromEntityID, toEntityID int64, count int) error {
	if err := w.failure("MoveAttributes"); err != nil {
		return err
	}
	var ids []int64
	for id, a := range w.attributes {
		if a.EntityID == fromEntityID {
			ids = append(ids, id)
		}
	}
	// highest ids first
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[j] > ids[i] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	if len(ids) > count {
		ids = ids[:count]
	}
	for _, id := range ids {
		a := w.attributes[id]
		a.EntityID = toEntityID
		w.attributes[id] = a
	}
	return nil
}

func (w *fakeWorld) MergeRecord(_ context.Context, entityID int64) (*domain.MergeRecord, error) {
	if err := w.failure("MergeRecord"); err != nil {
		return nil, err
	}
	e, ok := w.entities[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %d: %w", entityID, ErrObjectMissing)
	}
	return e.Merge, nil
}

func (w *fakeWorld) SetMergeRecord(_ context.Context, entityID int64, record *domain.MergeRecord) error {
	if err := w.failure("SetMergeRecord"); err != nil {
		return err
	}
	e, ok := w.entities[entityID]
	if !ok {
		return fmt.Errorf("entity %d: %w", entityID, ErrObjectMissing)
	}
	e.Merge = record
	return nil
}

func (w *fakeWorld) AdjustMentionCount(_ context.Context, entityID int64, delta int) error {
	if err := w.failure("AdjustMentionCount"); err != nil {
		return err
	}
	e, ok := w.entities[entityID]
	if !ok {
		return fmt.Errorf("entity %d: %w", entityID, ErrObjectMissing)
	}
	e.MentionCount += delta
	return nil
}

func (w *fakeWorld) DeleteObject(_ context.Context, targetType string, id int64) error {
	if err := w.failure("DeleteObject"); err != nil {
		return err
	}
	switch targetType {
	case domain.TargetEntity:
		delete(w.entities, id)
	case domain.TargetAttribute:
		delete(w.attributes, id)
	case domain.TargetRelationship:
		delete(w.relationships, id)
	case domain.TargetAlert:
		delete(w.alerts, id)
	default:
		return fmt.Errorf("unknown target type %q", targetType)
	}
	return nil
}

func (w *fakeWorld) InsertAttribute(_ context.Context, id int64, attr domain.Attribute) error {
	if err := w.failure("InsertAttribute"); err != nil {
		return err
	}
	if _, ok := w.entities[attr.EntityID]; !ok {
		return fmt.Errorf("entity %d: %w", attr.EntityID, ErrObjectMissing)
	}
	if _, exists := w.attributes[id]; exists {
		return nil
	}
	attr.ID = id
	w.attributes[id] = attr
	return nil
}

func (w *fakeWorld) InsertRelationship(_ context.Context, id int64, rel domain.Relationship) error {
	if err := w.failure("InsertRelationship"); err != nil {
		return err
	}
	for _, entityID := range []int64{rel.Entity1ID, rel.Entity2ID} {
		if _, ok := w.entities[entityID]; !ok {
			return fmt.Errorf("entity %d: %w", entityID, ErrObjectMissing)
		}
	}
	if _, exists := w.relationships[id]; exists {
		return nil
	}
	rel.ID = id
	w.relationships[id] = rel
	return nil
}

func (w *fakeWorld) SetAttributeFields(_ context.Context, attributeID int64, fields domain.AttributeFields) error {
	if err := w.failure("SetAttributeFields"); err != nil {
		return err
	}
	a, ok := w.attributes[attributeID]
	if !ok {
		return fmt.Errorf("attribute %d: %w", attributeID, ErrObjectMissing)
	}
	if fields.Key != nil {
		a.Key = *fields.Key
	}
	if fields.Value != nil {
		a.Value = *fields.Value
	}
	if fields.Verified != nil {
		a.Verified = *fields.Verified
	}
	w.attributes[attributeID] = a
	return nil
}

func (w *fakeWorld) SetRelationshipFields(_ context.Context, relationshipID int64, fields domain.RelationshipFields) error {
	if err := w.failure("SetRelationshipFields"); err != nil {
		return err
	}
	r, ok := w.relationships[relationshipID]
	if !ok {
		return fmt.Errorf("relationship %d: %w", relationshipID, ErrObjectMissing)
	}
	if fields.RelationshipType != nil {
		r.RelationshipType = *fields.RelationshipType
	}
	if fields.Detail != nil {
		r.Detail = *fields.Detail
	}
	w.relationships[relationshipID] = r
	return nil
}

func (w *fakeWorld) SetAlertStatus(_ context.Context, alertID int64, status string) error {
	if err := w.failure("SetAlertStatus"); err != nil {
		return err
	}
	a, ok := w.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert %d: %w", alertID, ErrObjectMissing)
	}
	a.Status = status
	return nil
}

func (w *fakeWorld) AlertFingerprint(_ context.Context, alertID int64) (string, error) {
	if err := w.failure("AlertFingerprint"); err != nil {
		return "", err
	}
	a, ok := w.alerts[alertID]
	if !ok {
		return "", fmt.Errorf("alert %d: %w", alertID, ErrObjectMissing)
	}
	return a.Fingerprint, nil
}

func (w *fakeWorld) DeleteDismissalByFingerprint(_ context.Context, _ int64, fingerprint string) error {
	if err := w.failure("DeleteDismissalByFingerprint"); err != nil {
		return err
	}
	delete(w.dismissals, fingerprint)
	return nil
}
