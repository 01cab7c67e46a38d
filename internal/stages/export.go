package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/policy-crawler/internal/config"
	"github.com/JakeFAU/policy-crawler/internal/pipeline"
	"github.com/JakeFAU/policy-crawler/internal/record"
	"github.com/JakeFAU/policy-crawler/internal/store"
)

const exportSheet = "records"

// Export writes the descriptor to a spreadsheet, one row per record.
type Export[R record.Record] struct {
	source string
	dest   string
	header []string
	row    func(R) []any
}

// NewWebsiteExport exports website records.
func NewWebsiteExport(cfg config.Config) *Export[record.Website] {
	return &Export[record.Website]{
		source: cfg.Paths.DescriptorFile,
		dest:   exportPath(cfg),
		header: []string{"id", "page", "url", "policy", "hash"},
		row: func(w record.Website) []any {
			return []any{w.ID.String(), w.Page, w.URL, record.Deref(w.Policy), record.Deref(w.Hash)}
		},
	}
}

// NewProductExport exports product records.
func NewProductExport(cfg config.Config) *Export[record.Product] {
	return &Export[record.Product]{
		source: cfg.Paths.DescriptorFile,
		dest:   exportPath(cfg),
		header: []string{"id", "page", "url", "keyword", "manufacturer", "website"},
		row: func(p record.Product) []any {
			return []any{p.ID.String(), p.Page, p.URL, p.Keyword, record.Deref(p.Manufacturer), record.Deref(p.Website)}
		},
	}
}

// exportPath defaults to the descriptor's name with an .xlsx extension.
func exportPath(cfg config.Config) string {
	if cfg.Export.XLSXPath != "" {
		if filepath.IsAbs(cfg.Export.XLSXPath) || cfg.Paths.ResourcesDir == "" {
			return cfg.Export.XLSXPath
		}
		return filepath.Join(cfg.Paths.ResourcesDir, cfg.Export.XLSXPath)
	}
	d := cfg.Paths.DescriptorFile
	return strings.TrimSuffix(d, filepath.Ext(d)) + ".xlsx"
}

// Name implements pipeline.Stage.
func (e *Export[R]) Name() string { return "export" }

// NeedsPool implements pipeline.Stage.
func (e *Export[R]) NeedsPool() bool { return false }

// Run implements pipeline.Stage. The workbook is saved beside the destination
// and renamed into place.
func (e *Export[R]) Run(ctx context.Context, env *pipeline.Env) (err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close workbook: %w", cerr)
		}
	}()
	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(exportSheet)
	if err != nil {
		return fmt.Errorf("open sheet writer: %w", err)
	}

	header := make([]any, len(e.header))
	for i, h := range e.header {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	rows := 1
	for rec, err := range store.New[R](e.source).Stream(ctx) {
		if err != nil {
			return err
		}
		rows++
		cell, err := excelize.CoordinatesToCellName(1, rows)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cell, e.row(rec)); err != nil {
			return fmt.Errorf("write row %d: %w", rows, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(e.dest), 0o750); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	tmp := store.TempPath(e.dest, e.Name(), "partial")
	if err := f.SaveAs(tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("save workbook: %w", err)
	}
	if err := os.Rename(tmp, e.dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move workbook into place: %w", err)
	}
	env.Logger.Info("export written", zap.String("path", e.dest), zap.Int("records", rows-1))
	return nil
}
