package history

import (
	"context"
	"fmt"
	"sort"

	"github.com/narrativekit/review/internal/domain"
)

// DependencyIndex answers which later entries would be invalidated by
// reversing an earlier one. It is pure read-side logic over the entry store;
// dependencies are fixed at entry-creation time via depends_on_ids.
type DependencyIndex struct {
	projectID int64
	entries   EntryStore
}

// NewDependencyIndex builds an index over one project's ledger.
func NewDependencyIndex(projectID int64, entries EntryStore) *DependencyIndex {
	return &DependencyIndex{projectID: projectID, entries: entries}
}

// BlockingDependents returns every not-reversed entry that recorded a
// dependency on entryID, newest first. Reversal entries never block.
func (d *DependencyIndex) BlockingDependents(ctx context.Context, entryID int64) ([]domain.HistoryEntry, error) {
	dependents, err := d.entries.ListBlockingDependents(ctx, d.projectID, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents of entry %d: %w", entryID, err)
	}
	return dependents, nil
}

// BatchBlockingDependents returns the union of BlockingDependents over every
// entry in the batch, excluding entries that are themselves batch members:
// intra-batch dependencies never block a whole-batch reversal.
func (d *DependencyIndex) BatchBlockingDependents(ctx context.Context, batchID string) ([]domain.HistoryEntry, error) {
	members, err := d.entries.ListBatch(ctx, d.projectID, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch %s: %w", batchID, err)
	}

	inBatch := make(map[int64]struct{}, len(members))
	for _, m := range members {
		inBatch[m.ID] = struct{}{}
	}

	seen := make(map[int64]struct{})
	var blockers []domain.HistoryEntry
	for _, m := range members {
		dependents, err := d.BlockingDependents(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		for _, dep := range dependents {
			if _, member := inBatch[dep.ID]; member {
				continue
			}
			if _, dup := seen[dep.ID]; dup {
				continue
			}
			seen[dep.ID] = struct{}{}
			blockers = append(blockers, dep)
		}
	}

	sort.Slice(blockers, func(i, j int) bool { return blockers[i].ID > blockers[j].ID })
	return blockers, nil
}
