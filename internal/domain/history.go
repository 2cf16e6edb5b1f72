package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// ActionKind identifies the kind of reviewer or pipeline action a history
// entry records.
type ActionKind string

// Alert actions.
const (
	ActionAlertCreated   ActionKind = "alert_created"
	ActionAlertResolved  ActionKind = "alert_resolved"
	ActionAlertDismissed ActionKind = "alert_dismissed"
	ActionAlertReopened  ActionKind = "alert_reopened"
)

// Entity actions.
const (
	ActionEntityCreated ActionKind = "entity_created"
	ActionEntityUpdated ActionKind = "entity_updated"
	ActionEntityMerged  ActionKind = "entity_merged"
	ActionEntitySplit   ActionKind = "entity_split"
	ActionEntityDeleted ActionKind = "entity_deleted"
)

// Attribute actions.
const (
	ActionAttributeAdded    ActionKind = "attribute_added"
	ActionAttributeUpdated  ActionKind = "attribute_updated"
	ActionAttributeVerified ActionKind = "attribute_verified"
	ActionAttributeDeleted  ActionKind = "attribute_deleted"
)

// Relationship actions.
const (
	ActionRelationshipCreated ActionKind = "relationship_created"
	ActionRelationshipUpdated ActionKind = "relationship_updated"
	ActionRelationshipDeleted ActionKind = "relationship_deleted"
)

// Project lifecycle actions. Informational only, never reversible.
const (
	ActionProjectCreated    ActionKind = "project_created"
	ActionAnalysisStarted   ActionKind = "analysis_started"
	ActionAnalysisCompleted ActionKind = "analysis_completed"
)

const (
	// ActionReversal is recorded when another entry is undone. Reversal
	// entries are terminal: they are never reversible themselves and are
	// excluded from dependency checks.
	ActionReversal ActionKind = "reversal"

	// ActionOther covers actions outside the closed set above.
	ActionOther ActionKind = "other"
)

// reversibleActions is the fixed subset of action kinds whose entries can be
// undone, provided they carry an old snapshot and have not been reversed.
var reversibleActions = map[ActionKind]struct{}{
	ActionEntityCreated:       {},
	ActionEntityUpdated:       {},
	ActionEntityMerged:        {},
	ActionEntityDeleted:       {},
	ActionAlertResolved:       {},
	ActionAlertDismissed:      {},
	ActionAttributeAdded:      {},
	ActionAttributeUpdated:    {},
	ActionAttributeVerified:   {},
	ActionAttributeDeleted:    {},
	ActionRelationshipCreated: {},
	ActionRelationshipUpdated: {},
	ActionRelationshipDeleted: {},
}

// Reversible reports whether entries of this kind belong to the reversible set.
func (k ActionKind) Reversible() bool {
	_, ok := reversibleActions[k]
	return ok
}

// ReversibleActionKinds returns the reversible set in a stable order, for use
// in SQL filters.
func ReversibleActionKinds() []ActionKind {
	kinds := make([]ActionKind, 0, len(reversibleActions))
	for k := range reversibleActions {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Target types recorded on history entries.
const (
	TargetEntity       = "entity"
	TargetAttribute    = "attribute"
	TargetAlert        = "alert"
	TargetRelationship = "relationship"
	TargetProject      = "project"
)

// HistoryEntry is one immutable record in the review ledger. The only allowed
// mutation after creation is the one-way ReversedAt transition performed by
// the undo coordinator.
type HistoryEntry struct {
	ID            int64
	ProjectID     int64
	ActionKind    ActionKind
	TargetType    string
	TargetID      int64
	OldSnapshot   json.RawMessage
	NewSnapshot   json.RawMessage
	Note          string
	BatchID       string
	DependsOnIDs  []int64
	SchemaVersion int
	CreatedAt     time.Time
	ReversedAt    *time.Time
}

// IsReversed reports whether this entry has already been undone.
func (e HistoryEntry) IsReversed() bool {
	return e.ReversedAt != nil
}

// IsUndoable reports whether this entry can still be undone: a reversible
// action kind, an old snapshot to restore from, and not yet reversed.
func (e HistoryEntry) IsUndoable() bool {
	return e.ActionKind.Reversible() && len(e.OldSnapshot) > 0 && !e.IsReversed()
}

// DependsOn reports whether this entry recorded a dependency on entryID.
func (e HistoryEntry) DependsOn(entryID int64) bool {
	for _, id := range e.DependsOnIDs {
		if id == entryID {
			return true
		}
	}
	return false
}

// HistoryFilter narrows history listings. Zero values mean "no filter".
type HistoryFilter struct {
	ActionKinds  []ActionKind
	TargetType   string
	TargetID     int64
	UndoableOnly bool
}
