// Package sink persists extracted tables. The file format follows the
// destination's extension.
package sink

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/scrape-flow/workflow"
)

// Table is one extracted dataset. Header may be empty when the source had no
// header row; every row has the same width as the widest row.
type Table struct {
	Header []string
	Rows   [][]string
}

// Width is the column count of the widest row or header.
func (t Table) Width() int {
	w := len(t.Header)
	for _, r := range t.Rows {
		if len(r) > w {
			w = len(r)
		}
	}
	return w
}

// Sink writes a table to a destination.
type Sink interface {
	Write(ctx context.Context, dest string, t Table) error
}

// Format is the on-disk encoding chosen for a destination.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
	FormatPSV  Format = "psv"
	FormatXLSX Format = "xlsx"
)

// FormatFor maps a destination's extension to a format. Anything unrecognized
// is written as CSV.
func FormatFor(dest string) Format {
	switch strings.ToLower(filepath.Ext(dest)) {
	case ".xlsx":
		return FormatXLSX
	case ".tsv":
		return FormatTSV
	case ".psv":
		return FormatPSV
	default:
		return FormatCSV
	}
}

// ErrOutsideRoot rejects destinations that are absolute or climb out of the
// sink's root.
var ErrOutsideRoot = errors.New("destination is outside the output root")

// FileSink writes tables below Root. Destinations must be local relative
// paths unless AllowOutside is set.
type FileSink struct {
	Root string
	// Force overrides extension-based format selection when set.
	Force Format
	// AllowOutside accepts absolute destinations and paths containing "..".
	AllowOutside bool
}

// Write replaces dest atomically: the data goes to a temporary file in the
// same directory which is renamed into place once complete.
func (s *FileSink) Write(ctx context.Context, dest string, t Table) error {
	if err := ctx.Err(); err != nil {
		return &workflow.WriteError{Destination: dest, Err: err}
	}
	path, err := s.resolve(dest)
	if err != nil {
		return &workflow.WriteError{Destination: dest, Err: err}
	}
	format := s.Force
	if format == "" {
		format = FormatFor(dest)
	}
	if err := writeAtomic(path, func(w io.Writer) error {
		return encode(w, format, t)
	}); err != nil {
		return &workflow.WriteError{Destination: dest, Err: err}
	}
	return nil
}

// resolve maps dest onto the filesystem. The check is lexical; symlinks
// already present under Root are followed.
func (s *FileSink) resolve(dest string) (string, error) {
	if s.AllowOutside {
		if filepath.IsAbs(dest) || s.Root == "" {
			return dest, nil
		}
		return filepath.Join(s.Root, dest), nil
	}
	if !filepath.IsLocal(dest) {
		return "", ErrOutsideRoot
	}
	return filepath.Join(s.Root, dest), nil
}

func writeAtomic(path string, fill func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename into place: %w", err)
	}
	committed = true
	return nil
}

func encode(w io.Writer, format Format, t Table) error {
	switch format {
	case FormatXLSX:
		return encodeXLSX(w, t)
	case FormatTSV:
		return encodeDelimited(w, '\t', t)
	case FormatPSV:
		return encodeDelimited(w, '|', t)
	default:
		return encodeDelimited(w, ',', t)
	}
}

func encodeDelimited(w io.Writer, comma rune, t Table) error {
	cw := csv.NewWriter(w)
	cw.Comma = comma
	width := t.Width()
	if len(t.Header) > 0 {
		if err := cw.Write(pad(t.Header, width)); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	for _, row := range t.Rows {
		if err := cw.Write(pad(row, width)); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Characters XML 1.0 cannot carry; spreadsheet cells reject them.
var illegalXMLChars = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f-\x{84}\x{86}-\x{9f}\x{fdd0}-\x{fddf}\x{fffe}\x{ffff}]`)

// SanitizeCell strips characters a spreadsheet cannot store.
func SanitizeCell(s string) string {
	return illegalXMLChars.ReplaceAllString(s, "")
}

func encodeXLSX(w io.Writer, t Table) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("failed to open sheet: %w", err)
	}

	width := t.Width()
	rowNum := 1
	writeRow := func(cells []string) error {
		values := make([]interface{}, width)
		for i, c := range pad(cells, width) {
			values[i] = SanitizeCell(c)
		}
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return err
		}
		rowNum++
		return sw.SetRow(cell, values)
	}

	if len(t.Header) > 0 {
		if err := writeRow(t.Header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	for _, row := range t.Rows {
		if err := writeRow(row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", rowNum-1, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func pad(row []string, width int) []string {
	if len(row) >= width {
		return row
	}
	out := make([]string, width)
	copy(out, row)
	return out
}
