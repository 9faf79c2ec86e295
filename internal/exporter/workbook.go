package exporter

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"authme/internal/license"
)

// Sheet names in the analytics workbook.
const (
	SheetSummary = "Summary"
	SheetErrors  = "Errors"
	SheetDaily   = "Daily"
)

// ErrNoData is returned when there is nothing to export.
var ErrNoData = errors.New("no analytics data to export")

// WriteAnalyticsWorkbook writes data as an XLSX workbook with Summary,
// Errors and Daily sheets.
func WriteAnalyticsWorkbook(w io.Writer, data *license.AnalyticsData) (err error) {
	if data == nil {
		return ErrNoData
	}

	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close workbook: %w", cerr)
		}
	}()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("failed to rename default sheet: %w", err)
	}
	summary := [][]any{
		{"Metric", "Value"},
		{"Today validations", data.TodayValidations},
		{"Week validations", data.WeekValidations},
		{"Month validations", data.MonthValidations},
		{"Success rate (%)", data.SuccessRate},
		{"Active licenses", data.ActiveLicenses},
		{"Revoked licenses", data.RevokedLicenses},
	}
	if err := writeSheet(f, SheetSummary, summary, bold); err != nil {
		return err
	}

	codes := make([]string, 0, len(data.ErrorBreakdown))
	for code := range data.ErrorBreakdown {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	errRows := [][]any{{"Error code", "Count"}}
	for _, code := range codes {
		errRows = append(errRows, []any{code, data.ErrorBreakdown[code]})
	}
	if err := writeSheet(f, SheetErrors, errRows, bold); err != nil {
		return err
	}

	daily := [][]any{{"Date", "Total", "Successful", "Failed"}}
	for _, d := range data.DailyStats {
		daily = append(daily, []any{formatDate(d.Date), d.TotalValidations, d.SuccessfulValidations, d.FailedValidations})
	}
	if err := writeSheet(f, SheetDaily, daily, bold); err != nil {
		return err
	}

	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, rows [][]any, headerStyle int) error {
	if idx, _ := f.GetSheetIndex(sheet); idx < 0 {
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
		}
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}

	if len(rows) > 0 && len(rows[0]) > 0 {
		last, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
			return fmt.Errorf("failed to style %s header: %w", sheet, err)
		}
		lastCol, _ := excelize.ColumnNumberToName(len(rows[0]))
		if err := f.SetColWidth(sheet, "A", lastCol, 20); err != nil {
			return fmt.Errorf("failed to size %s columns: %w", sheet, err)
		}
	}
	return nil
}
