package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/narrativekit/review/internal/domain"
)

// Format selects the output file format for a timeline export.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

var errUnknownFormat = errors.New("unknown export format")

// HistoryLister is the slice of the history manager the exporter needs.
type HistoryLister interface {
	List(ctx context.Context, filter domain.HistoryFilter, limit, offset int) ([]domain.HistoryEntry, error)
}

// Service writes a project's review timeline to disk as CSV or XLSX.
type Service struct {
	history HistoryLister

	exportDir string
	pageSize  int
	now       func() time.Time
}

type Option func(*Service)

func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// WithClock overrides the timestamp source used in file names.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func NewService(history HistoryLister, opts ...Option) *Service {
	service := &Service{
		history:   history,
		exportDir: filepath.Join(os.TempDir(), "review-exports"),
		pageSize:  1000,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

// Request narrows which timeline entries land in the export file.
type Request struct {
	ProjectID    int64
	Format       Format
	ActionKinds  []domain.ActionKind
	UndoableOnly bool
}

// Result describes the written export file.
type Result struct {
	Path string
	Rows int
}

var timelineHeaders = []string{
	"id", "action", "target_type", "target_id",
	"note", "batch_id", "created_at", "reversed_at",
}

// ExportTimeline writes the matching history entries, newest first, and
// returns the final file path.
func (s *Service) ExportTimeline(ctx context.Context, req Request) (Result, error) {
	filter := domain.HistoryFilter{
		ActionKinds:  req.ActionKinds,
		UndoableOnly: req.UndoableOnly,
	}
	switch req.Format {
	case FormatCSV:
		return s.exportCSV(ctx, req.ProjectID, filter)
	case FormatXLSX:
		return s.exportXLSX(ctx, req.ProjectID, filter)
	default:
		return Result{}, fmt.Errorf("%w: %q", errUnknownFormat, req.Format)
	}
}

func (s *Service) exportCSV(ctx context.Context, projectID int64, filter domain.HistoryFilter) (Result, error) {
	if err := s.ensureExportDirectory(); err != nil {
		return Result{}, err
	}
	tempFile, err := os.CreateTemp(s.exportDir, "timeline-*.csv")
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	buffered := bufio.NewWriter(tempFile)
	csvWriter := csv.NewWriter(buffered)

	if err := csvWriter.Write(timelineHeaders); err != nil {
		return Result{}, fmt.Errorf("failed to write header: %w", err)
	}

	rows := 0
	err = s.eachEntry(ctx, filter, func(entry domain.HistoryEntry) error {
		if err := csvWriter.Write(timelineRow(entry)); err != nil {
			return fmt.Errorf("failed to write entry row: %w", err)
		}
		rows++
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return Result{}, fmt.Errorf("failed to flush rows: %w", err)
	}
	if err := buffered.Flush(); err != nil {
		return Result{}, fmt.Errorf("failed to flush buffered rows: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close export file: %w", err)
	}

	finalPath := s.uniquePath(projectID, FormatCSV)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return Result{}, fmt.Errorf("failed to promote export file: %w", err)
	}
	cleanup = false
	return Result{Path: finalPath, Rows: rows}, nil
}

func (s *Service) exportXLSX(ctx context.Context, projectID int64, filter domain.HistoryFilter) (Result, error) {
	if err := s.ensureExportDirectory(); err != nil {
		return Result{}, err
	}

	const sheet = "Timeline"
	book := excelize.NewFile()
	defer book.Close()
	if err := book.SetSheetName("Sheet1", sheet); err != nil {
		return Result{}, fmt.Errorf("failed to name sheet: %w", err)
	}

	writer, err := book.NewStreamWriter(sheet)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open stream writer: %w", err)
	}

	header := make([]any, len(timelineHeaders))
	for i, h := range timelineHeaders {
		header[i] = h
	}
	if err := writer.SetRow("A1", header); err != nil {
		return Result{}, fmt.Errorf("failed to write header: %w", err)
	}

	rows := 0
	err = s.eachEntry(ctx, filter, func(entry domain.HistoryEntry) error {
		cells := timelineRow(entry)
		row := make([]any, len(cells))
		for i, c := range cells {
			row[i] = c
		}
		cell, err := excelize.CoordinatesToCellName(1, rows+2)
		if err != nil {
			return fmt.Errorf("failed to compute cell name: %w", err)
		}
		if err := writer.SetRow(cell, row); err != nil {
			return fmt.Errorf("failed to write entry row: %w", err)
		}
		rows++
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if err := writer.Flush(); err != nil {
		return Result{}, fmt.Errorf("failed to flush sheet: %w", err)
	}

	finalPath := s.uniquePath(projectID, FormatXLSX)
	if err := book.SaveAs(finalPath); err != nil {
		return Result{}, fmt.Errorf("failed to save workbook: %w", err)
	}
	return Result{Path: finalPath, Rows: rows}, nil
}

// eachEntry pages through the timeline newest first and invokes fn per entry.
func (s *Service) eachEntry(ctx context.Context, filter domain.HistoryFilter, fn func(domain.HistoryEntry) error) error {
	offset := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := s.history.List(ctx, filter, s.pageSize, offset)
		if err != nil {
			return fmt.Errorf("failed to list history page: %w", err)
		}
		for _, entry := range entries {
			if err := fn(entry); err != nil {
				return err
			}
		}
		if len(entries) < s.pageSize {
			return nil
		}
		offset += s.pageSize
	}
}

func timelineRow(entry domain.HistoryEntry) []string {
	reversedAt := ""
	if entry.ReversedAt != nil {
		reversedAt = entry.ReversedAt.UTC().Format(time.RFC3339)
	}
	targetID := ""
	if entry.TargetID != 0 {
		targetID = strconv.FormatInt(entry.TargetID, 10)
	}
	return []string{
		strconv.FormatInt(entry.ID, 10),
		string(entry.ActionKind),
		entry.TargetType,
		targetID,
		entry.Note,
		entry.BatchID,
		entry.CreatedAt.UTC().Format(time.RFC3339),
		reversedAt,
	}
}

// uniquePath picks a final file name, appending -1, -2, ... when an
// earlier export in the same second already claimed the stamped name.
func (s *Service) uniquePath(projectID int64, format Format) string {
	stamp := s.now().UTC().Format("20060102-150405")
	stem := fmt.Sprintf("project-%d-timeline-%s", projectID, stamp)
	path := filepath.Join(s.exportDir, fmt.Sprintf("%s.%s", stem, format))
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(s.exportDir, fmt.Sprintf("%s-%d.%s", stem, n, format))
	}
}

func (s *Service) ensureExportDirectory() error {
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	return nil
}
