package exporter

import (
	"encoding/csv"
	"fmt"
	"io"

	"authme/internal/license"
)

// DailyHeaders are the columns written by WriteDailyCSV.
var DailyHeaders = []string{"date", "total_validations", "successful_validations", "failed_validations", "success_rate"}

// WriteDailyCSV writes the daily validation series as CSV. A UTF-8 BOM is
// written first when bom is set, which Excel needs to detect the encoding.
func WriteDailyCSV(w io.Writer, data *license.AnalyticsData, bom bool) error {
	if data == nil {
		return ErrNoData
	}
	if bom {
		if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			return fmt.Errorf("failed to write BOM: %w", err)
		}
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(DailyHeaders); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, d := range data.DailyStats {
		rate := 0.0
		if d.TotalValidations > 0 {
			rate = float64(d.SuccessfulValidations) / float64(d.TotalValidations) * 100
		}
		record := []string{
			formatDate(d.Date),
			formatInt(d.TotalValidations),
			formatInt(d.SuccessfulValidations),
			formatInt(d.FailedValidations),
			formatFloat(rate),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}
