package exporter

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDailyCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDailyCSV(&buf, sampleAnalytics(), false))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		DailyHeaders,
		{"2025-01-01", "10", "9", "1", "90.00"},
		{"2025-01-02", "4", "4", "0", "100.00"},
	}, records)
}

func TestWriteDailyCSVWithBOM(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteDailyCSV(&buf, sampleAnalytics(), true))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte{0xEF, 0xBB, 0xBF}))
}

func TestWriteDailyCSVNil(t *testing.T) {
	assert.ErrorIs(t, WriteDailyCSV(&bytes.Buffer{}, nil, false), ErrNoData)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "13.40", formatFloat(13.4))
	assert.Equal(t, "42", formatInt(42))
}
