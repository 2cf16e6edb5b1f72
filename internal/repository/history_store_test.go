package repository

import (
	"strings"
	"testing"

	"github.com/narrativekit/review/internal/domain"
)

func TestBuildHistoryListQueryNoFilter(t *testing.T) {
	query, args := buildHistoryListQuery(7, domain.HistoryFilter{}, 50, 0)

	if !strings.Contains(query, "WHERE project_id = $1") {
		t.Fatalf("query missing project condition:\n%s", query)
	}
	if !strings.Contains(query, "ORDER BY id DESC") {
		t.Fatalf("query must order newest first:\n%s", query)
	}
	if len(args) != 3 {
		t.Fatalf("args = %v, want project id, limit, offset", args)
	}
	if args[0] != int64(7) || args[1] != 50 || args[2] != 0 {
		t.Fatalf("args = %v", args)
	}
}

func TestBuildHistoryListQueryTargetFilter(t *testing.T) {
	query, args := buildHistoryListQuery(7, domain.HistoryFilter{
		TargetType: domain.TargetEntity,
		TargetID:   12,
	}, 10, 20)

	if !strings.Contains(query, "target_type = $2") || !strings.Contains(query, "target_id = $3") {
		t.Fatalf("query missing target conditions:\n%s", query)
	}
	if len(args) != 5 {
		t.Fatalf("args = %v, want 5", args)
	}
	if args[1] != domain.TargetEntity || args[2] != int64(12) {
		t.Fatalf("args = %v", args)
	}
}

func TestBuildHistoryListQueryUndoableOnly(t *testing.T) {
	query, args := buildHistoryListQuery(7, domain.HistoryFilter{UndoableOnly: true}, 10, 0)

	if !strings.Contains(query, "old_snapshot IS NOT NULL") || !strings.Contains(query, "reversed_at IS NULL") {
		t.Fatalf("query missing undoable conditions:\n%s", query)
	}
	kinds, ok := args[1].([]string)
	if !ok {
		t.Fatalf("args[1] = %T, want the reversible kind list", args[1])
	}
	if len(kinds) != len(domain.ReversibleActionKinds()) {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestBuildHistoryListQueryActionKinds(t *testing.T) {
	query, args := buildHistoryListQuery(7, domain.HistoryFilter{
		ActionKinds: []domain.ActionKind{domain.ActionEntityMerged, domain.ActionEntityUpdated},
	}, 10, 0)

	if !strings.Contains(query, "action_kind = ANY($2)") {
		t.Fatalf("query missing action kind condition:\n%s", query)
	}
	kinds := args[1].([]string)
	if len(kinds) != 2 || kinds[0] != "entity_merged" {
		t.Fatalf("kinds = %v", kinds)
	}
}
