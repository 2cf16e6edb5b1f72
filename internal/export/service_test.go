package export

import (
	"context"
	"encoding/csv"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/narrativekit/review/internal/domain"
)

type fakeLister struct {
	entries []domain.HistoryEntry
}

func (f *fakeLister) List(_ context.Context, filter domain.HistoryFilter, limit, offset int) ([]domain.HistoryEntry, error) {
	var matched []domain.HistoryEntry
	for _, e := range f.entries {
		if filter.UndoableOnly && !e.IsUndoable() {
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

func sampleEntries() []domain.HistoryEntry {
	created := time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)
	reversed := created.Add(time.Hour)
	return []domain.HistoryEntry{
		{
			ID: 3, ProjectID: 7, ActionKind: domain.ActionReversal,
			TargetType: domain.TargetEntity, TargetID: 12,
			Note: "reverted entity_merged #2 on entity:12", CreatedAt: reversed,
		},
		{
			ID: 2, ProjectID: 7, ActionKind: domain.ActionEntityMerged,
			TargetType: domain.TargetEntity, TargetID: 12,
			OldSnapshot: []byte(`{"source_entity_ids":[13]}`),
			CreatedAt:   created, ReversedAt: &reversed,
		},
		{
			ID: 1, ProjectID: 7, ActionKind: domain.ActionEntityUpdated,
			TargetType: domain.TargetEntity, TargetID: 12,
			OldSnapshot: []byte(`{"name":"Elena"}`), BatchID: "batch-a",
			CreatedAt: created,
		},
	}
}

func fixedClock() time.Time {
	return time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
}

func TestExportTimelineCSV(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(&fakeLister{entries: sampleEntries()},
		WithExportDirectory(dir), WithClock(fixedClock))

	result, err := svc.ExportTimeline(context.Background(), Request{ProjectID: 7, Format: FormatCSV})
	if err != nil {
		t.Fatalf("ExportTimeline failed: %v", err)
	}
	if result.Rows != 3 {
		t.Fatalf("rows = %d, want 3", result.Rows)
	}
	if !strings.HasSuffix(result.Path, "project-7-timeline-20260211-090000.csv") {
		t.Fatalf("path = %s", result.Path)
	}

	file, err := os.Open(result.Path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("csv has %d rows, want header plus 3", len(records))
	}
	if records[0][0] != "id" || records[0][1] != "action" {
		t.Fatalf("header = %v", records[0])
	}
	if records[1][0] != "3" || records[1][1] != "reversal" {
		t.Fatalf("first data row = %v, want the newest entry", records[1])
	}
	if records[2][7] == "" {
		t.Fatal("reversed entry must carry its reversed_at timestamp")
	}
	if records[3][5] != "batch-a" {
		t.Fatalf("batch id column = %q", records[3][5])
	}
}

func TestExportTimelineCSVPagination(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(&fakeLister{entries: sampleEntries()},
		WithExportDirectory(dir), WithClock(fixedClock), WithPageSize(2))

	result, err := svc.ExportTimeline(context.Background(), Request{ProjectID: 7, Format: FormatCSV})
	if err != nil {
		t.Fatalf("ExportTimeline failed: %v", err)
	}
	if result.Rows != 3 {
		t.Fatalf("rows = %d, want 3 across two pages", result.Rows)
	}
}

func TestExportTimelineUndoableOnly(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(&fakeLister{entries: sampleEntries()},
		WithExportDirectory(dir), WithClock(fixedClock))

	result, err := svc.ExportTimeline(context.Background(), Request{
		ProjectID: 7, Format: FormatCSV, UndoableOnly: true,
	})
	if err != nil {
		t.Fatalf("ExportTimeline failed: %v", err)
	}
	if result.Rows != 1 {
		t.Fatalf("rows = %d, want only the undoable entry", result.Rows)
	}
}

func TestExportTimelineSameSecondDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(&fakeLister{entries: sampleEntries()},
		WithExportDirectory(dir), WithClock(fixedClock))

	first, err := svc.ExportTimeline(context.Background(), Request{ProjectID: 7, Format: FormatCSV})
	if err != nil {
		t.Fatalf("first ExportTimeline failed: %v", err)
	}
	second, err := svc.ExportTimeline(context.Background(), Request{ProjectID: 7, Format: FormatCSV})
	if err != nil {
		t.Fatalf("second ExportTimeline failed: %v", err)
	}
	if first.Path == second.Path {
		t.Fatalf("both exports wrote %s", first.Path)
	}
	if !strings.HasSuffix(second.Path, "project-7-timeline-20260211-090000-1.csv") {
		t.Fatalf("second path = %s", second.Path)
	}
	if _, err := os.Stat(first.Path); err != nil {
		t.Fatalf("first export file missing after second export: %v", err)
	}
}

func TestExportTimelineXLSX(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(&fakeLister{entries: sampleEntries()},
		WithExportDirectory(dir), WithClock(fixedClock))

	result, err := svc.ExportTimeline(context.Background(), Request{ProjectID: 7, Format: FormatXLSX})
	if err != nil {
		t.Fatalf("ExportTimeline failed: %v", err)
	}
	if result.Rows != 3 {
		t.Fatalf("rows = %d, want 3", result.Rows)
	}

	book, err := excelize.OpenFile(result.Path)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer book.Close()

	rows, err := book.GetRows("Timeline")
	if err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("sheet has %d rows, want header plus 3", len(rows))
	}
	if rows[0][0] != "id" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][1] != "reversal" {
		t.Fatalf("first data row = %v", rows[1])
	}
}

func TestExportTimelineUnknownFormat(t *testing.T) {
	svc := NewService(&fakeLister{}, WithExportDirectory(t.TempDir()))

	_, err := svc.ExportTimeline(context.Background(), Request{ProjectID: 7, Format: "pdf"})
	if err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}
