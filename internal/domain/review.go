package domain

import "time"

// Entity is a detected manuscript entity (character, location, ...).
// Merging deactivates the sources and folds their mentions, attributes and
// names into the surviving entity.
type Entity struct {
	ID           int64
	ProjectID    int64
	Name         string
	EntityType   string
	Importance   string
	MentionCount int
	Active       bool
	MergeRecord  *MergeRecord
	UpdatedAt    time.Time
}

// MergeRecord is the provenance blob a merge leaves on the surviving entity:
// the names absorbed as aliases and the ids of the folded-in sources.
type MergeRecord struct {
	Aliases   []string `json:"aliases"`
	MergedIDs []int64  `json:"merged_ids"`
}

// Empty reports whether the record carries no provenance at all.
func (r *MergeRecord) Empty() bool {
	return r == nil || (len(r.Aliases) == 0 && len(r.MergedIDs) == 0)
}

// EntityFields is a partial entity update; nil fields are left untouched.
type EntityFields struct {
	Name       *string
	EntityType *string
	Importance *string
}

// Attribute is one extracted fact about an entity.
type Attribute struct {
	ID         int64
	EntityID   int64
	Key        string
	Value      string
	Verified   bool
	Confidence float64
	ChapterID  *int64
}

// AttributeFields is a partial attribute update; nil fields are left untouched.
type AttributeFields struct {
	Key      *string
	Value    *string
	Verified *bool
}

// Alert statuses.
const (
	AlertStatusOpen      = "open"
	AlertStatusResolved  = "resolved"
	AlertStatusDismissed = "dismissed"
)

// Alert is a detector finding awaiting reviewer triage. Fingerprint is the
// content hash used to suppress identical alerts after reanalysis.
type Alert struct {
	ID          int64
	ProjectID   int64
	Status      string
	Fingerprint string
	Category    string
	Severity    string
	Description string
}

// Relationship links two entities.
type Relationship struct {
	ID               int64
	ProjectID        int64
	Entity1ID        int64
	Entity2ID        int64
	RelationshipType string
	Detail           string
	ChapterID        *int64
}

// RelationshipFields is a partial relationship update; nil fields are left
// untouched.
type RelationshipFields struct {
	RelationshipType *string
	Detail           *string
}
