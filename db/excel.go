package db

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"math00ost/models"
)

// StudentAdder is satisfied by store.Store.
type StudentAdder interface {
	AddStudentToGroup(ctx context.Context, code, studentName string) error
}

// ImportStudentsFromExcel reads student names from the first sheet and joins them to a group.
// The first row is a header; the name column is the one titled "name" or "student", else column A.
func ImportStudentsFromExcel(ctx context.Context, adder StudentAdder, file io.Reader, code string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := excelize.OpenReader(file)
	if err != nil {
		return 0, errors.Wrap(err, "opening excel file")
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn("Closing excel file", slog.String("error", err.Error()))
		}
	}()

	sheetName := f.GetSheetName(0)
	if sheetName == "" {
		return 0, errors.New("excel file does not contain any sheets")
	}
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return 0, errors.Wrapf(err, "reading rows from sheet %s", sheetName)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	col := 0
	for i, h := range rows[0] {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "name", "student":
			col = i
		}
	}

	imported := 0
	for i, row := range rows[1:] {
		if col >= len(row) || strings.TrimSpace(row[col]) == "" {
			logger.Debug("Skipping row without a student name", slog.Int("row", i+2))
			continue
		}
		if err := adder.AddStudentToGroup(ctx, code, row[col]); err != nil {
			if models.IsNotFound(err) {
				return imported, err
			}
			if models.IsSaveWarning(err) {
				// the student is in memory; keep going and let the caller warn
				imported++
				continue
			}
			logger.Warn("Skipping student during import", slog.Int("row", i+2), slog.String("error", err.Error()))
			continue
		}
		imported++
	}
	logger.Info("Imported students", slog.String("group", code), slog.Int("count", imported))
	return imported, nil
}

const (
	gradesSheet  = "Grades"
	summarySheet = "Summary"
)

// ExportGroupToExcel writes a workbook with one row per grade and a per-student summary.
func ExportGroupToExcel(g *models.Group, w io.Writer) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", gradesSheet); err != nil {
		return errors.Wrap(err, "naming grades sheet")
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return errors.Wrap(err, "creating summary sheet")
	}

	names := make([]string, 0, len(g.Students))
	for name := range g.Students {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := f.SetSheetRow(gradesSheet, "A1", &[]interface{}{"Student", "Grade", "Topic", "Date"}); err != nil {
		return errors.Wrap(err, "writing header")
	}
	if err := f.SetSheetRow(summarySheet, "A1", &[]interface{}{"Student", "Grades", "Average"}); err != nil {
		return errors.Wrap(err, "writing header")
	}

	row := 2
	for i, name := range names {
		st := g.Students[name]
		for _, gr := range st.Grades {
			cell, _ := excelize.CoordinatesToCellName(1, row)
			vals := []interface{}{name, gr.Value, gr.Topic, gr.Date.Format("2006-01-02")}
			if err := f.SetSheetRow(gradesSheet, cell, &vals); err != nil {
				return errors.Wrapf(err, "writing grade row %d", row)
			}
			row++
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		vals := []interface{}{name, len(st.Grades), st.Average()}
		if err := f.SetSheetRow(summarySheet, cell, &vals); err != nil {
			return errors.Wrapf(err, "writing summary row %d", i+2)
		}
	}

	if err := f.Write(w); err != nil {
		return errors.Wrap(err, "writing workbook")
	}
	return nil
}
