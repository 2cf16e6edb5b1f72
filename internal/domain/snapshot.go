package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// SnapshotSchemaVersion is stamped on every new history entry so that
	// restoration can detect snapshots written by a different layout.
	SnapshotSchemaVersion = 25

	// minSnapshotSchemaVersion is the oldest snapshot layout restoration
	// still understands.
	minSnapshotSchemaVersion = 25
)

// ErrUnknownSnapshotKind is returned when no snapshot type is registered for
// an action kind.
var ErrUnknownSnapshotKind = errors.New("no snapshot type registered for action kind")

// UnsupportedSchemaVersionError reports a snapshot written under a schema
// version restoration cannot decode.
type UnsupportedSchemaVersionError struct {
	Version int
}

func (e *UnsupportedSchemaVersionError) Error() string {
	return fmt.Sprintf("unsupported snapshot schema version %d (supported %d through %d)",
		e.Version, minSnapshotSchemaVersion, SnapshotSchemaVersion)
}

// Snapshot is implemented by every kind-specific old-snapshot payload.
type Snapshot interface {
	isSnapshot()
}

// MergeSourceSnapshot captures one source entity's pre-merge state. Mention
// and attribute counts drive the recency-based reattachment on undo; the
// exact moved row ids are not recorded, only how many moved.
type MergeSourceSnapshot struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Aliases        []string `json:"aliases,omitempty"`
	MentionCount   int      `json:"mention_count"`
	AttributeCount int      `json:"attribute_count"`
}

// EntityMergeSnapshot is the old snapshot of an entity_merged entry.
type EntityMergeSnapshot struct {
	SourceIDs []int64               `json:"source_entity_ids"`
	Sources   []MergeSourceSnapshot `json:"source_snapshots"`
}

// EntityStateSnapshot is the old snapshot of entity_created and
// entity_deleted entries. Undo only flips the active flag; the name is kept
// for the audit trail.
type EntityStateSnapshot struct {
	Name string `json:"name"`
}

// EntityFieldsSnapshot is the old snapshot of an entity_updated entry. Nil
// fields were not touched by the update and stay untouched on undo.
type EntityFieldsSnapshot struct {
	Name       *string `json:"name,omitempty"`
	EntityType *string `json:"entity_type,omitempty"`
	Importance *string `json:"importance,omitempty"`
}

// AlertStatusSnapshot is the old snapshot of alert_resolved and
// alert_dismissed entries. Fingerprint is the alert's content hash at the
// time of the action; when absent, undo looks it up from the alert row.
type AlertStatusSnapshot struct {
	Status      string `json:"status"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// AttributeChangeSnapshot is the old snapshot of attribute_added,
// attribute_updated and attribute_verified entries. WasNew marks an attribute
// that did not exist before the action, so undo deletes it outright.
type AttributeChangeSnapshot struct {
	WasNew   bool    `json:"_was_new,omitempty"`
	EntityID int64   `json:"entity_id,omitempty"`
	Key      *string `json:"attribute_key,omitempty"`
	Value    *string `json:"attribute_value,omitempty"`
	Verified *bool   `json:"is_verified,omitempty"`
}

// AttributeRowSnapshot is the old snapshot of an attribute_deleted entry: the
// full prior row, re-inserted on undo.
type AttributeRowSnapshot struct {
	EntityID   int64   `json:"entity_id"`
	Key        string  `json:"attribute_key"`
	Value      string  `json:"attribute_value"`
	Verified   bool    `json:"is_verified"`
	Confidence float64 `json:"confidence"`
	ChapterID  *int64  `json:"chapter_id,omitempty"`
}

// RelationshipRefSnapshot is the old snapshot of a relationship_created
// entry. Undo deletes the relationship; the endpoints are kept for audit.
type RelationshipRefSnapshot struct {
	Entity1ID        int64  `json:"entity1_id"`
	Entity2ID        int64  `json:"entity2_id"`
	RelationshipType string `json:"relationship_type"`
}

// RelationshipFieldsSnapshot is the old snapshot of a relationship_updated
// entry. Nil fields stay untouched on undo.
type RelationshipFieldsSnapshot struct {
	RelationshipType *string `json:"relationship_type,omitempty"`
	Detail           *string `json:"detail,omitempty"`
}

// RelationshipRowSnapshot is the old snapshot of a relationship_deleted
// entry: the full prior row, re-inserted on undo.
type RelationshipRowSnapshot struct {
	Entity1ID        int64  `json:"entity1_id"`
	Entity2ID        int64  `json:"entity2_id"`
	RelationshipType string `json:"relationship_type"`
	Detail           string `json:"detail"`
	ChapterID        *int64 `json:"chapter_id,omitempty"`
}

// ReversalSnapshot is the old snapshot of a reversal entry, pointing back at
// the entry it undid.
type ReversalSnapshot struct {
	ReversedEntryID int64 `json:"reversed_entry_id"`
}

func (*EntityMergeSnapshot) isSnapshot()        {}
func (*EntityStateSnapshot) isSnapshot()        {}
func (*EntityFieldsSnapshot) isSnapshot()       {}
func (*AlertStatusSnapshot) isSnapshot()        {}
func (*AttributeChangeSnapshot) isSnapshot()    {}
func (*AttributeRowSnapshot) isSnapshot()       {}
func (*RelationshipRefSnapshot) isSnapshot()    {}
func (*RelationshipFieldsSnapshot) isSnapshot() {}
func (*RelationshipRowSnapshot) isSnapshot()    {}
func (*ReversalSnapshot) isSnapshot()           {}

// snapshotDecoders maps each action kind to the concrete record type its old
// snapshots decode into. Kinds absent from the table have no old-snapshot
// payload and are never reversible.
var snapshotDecoders = map[ActionKind]func([]byte) (Snapshot, error){
	ActionEntityCreated:       decodeInto[EntityStateSnapshot],
	ActionEntityDeleted:       decodeInto[EntityStateSnapshot],
	ActionEntityUpdated:       decodeInto[EntityFieldsSnapshot],
	ActionEntityMerged:        decodeInto[EntityMergeSnapshot],
	ActionAlertResolved:       decodeInto[AlertStatusSnapshot],
	ActionAlertDismissed:      decodeInto[AlertStatusSnapshot],
	ActionAttributeAdded:      decodeInto[AttributeChangeSnapshot],
	ActionAttributeUpdated:    decodeInto[AttributeChangeSnapshot],
	ActionAttributeVerified:   decodeInto[AttributeChangeSnapshot],
	ActionAttributeDeleted:    decodeInto[AttributeRowSnapshot],
	ActionRelationshipCreated: decodeInto[RelationshipRefSnapshot],
	ActionRelationshipUpdated: decodeInto[RelationshipFieldsSnapshot],
	ActionRelationshipDeleted: decodeInto[RelationshipRowSnapshot],
	ActionReversal:            decodeInto[ReversalSnapshot],
}

func decodeInto[T any](raw []byte) (Snapshot, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	snap, ok := any(&v).(Snapshot)
	if !ok {
		return nil, fmt.Errorf("type %T is not a snapshot", &v)
	}
	return snap, nil
}

// DecodeOldSnapshot decodes a persisted old snapshot into the record type
// registered for the entry's action kind, rejecting schema versions outside
// the supported range.
func DecodeOldSnapshot(kind ActionKind, schemaVersion int, raw json.RawMessage) (Snapshot, error) {
	if schemaVersion < minSnapshotSchemaVersion || schemaVersion > SnapshotSchemaVersion {
		return nil, &UnsupportedSchemaVersionError{Version: schemaVersion}
	}
	decode, ok := snapshotDecoders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSnapshotKind, kind)
	}
	snap, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s snapshot: %w", kind, err)
	}
	return snap, nil
}

// EncodeSnapshot serializes a snapshot for persistence.
func EncodeSnapshot(s Snapshot) (json.RawMessage, error) {
	if s == nil {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return raw, nil
}
