// Package exporter writes license analytics to spreadsheet formats: an
// XLSX workbook via excelize and a flat CSV of the daily series.
package exporter
