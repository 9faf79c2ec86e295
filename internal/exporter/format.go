package exporter

import (
	"fmt"
	"time"
)

// dateLayout is used for every date cell so spreadsheets sort correctly
const dateLayout = "2006-01-02"

// formatFloat formats a float64 with exactly 2 decimal places
func formatFloat(f float64) string {
	return fmt.Sprintf("%.2f", f)
}

// formatInt formats an int for CSV output
func formatInt(i int) string {
	return fmt.Sprintf("%d", i)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}
