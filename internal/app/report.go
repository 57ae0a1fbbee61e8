package app

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// WriteCSV writes the consolidated totals as metric,value rows.
func WriteCSV(w io.Writer, report CollectionReport) error {
	writer := csv.NewWriter(w)
	rows := [][]string{
		{MetricMergedPRs, strconv.Itoa(report.TotalMergedPRs)},
		{MetricPRReviewTime, strconv.FormatFloat(report.TotalReviewTimeHours, 'f', -1, 64)},
	}
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// WriteCSVFile writes the report to <dir>/<YYYY-MM>.csv, creating dir, and
// returns the file path.
func WriteCSVFile(dir string, report CollectionReport) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(dir, report.Period.String()+".csv")
	file, err := os.Create(path) //nolint:gosec // Report path is operator supplied.
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}
	if err := WriteCSV(file, report); err != nil {
		_ = file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close report file: %w", err)
	}
	return path, nil
}
