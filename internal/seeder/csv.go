package seeder

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// CSVSource reads rows from a CSV file, pairing a configured id
// column with the remaining columns folded into the doc payload,
// grounded on csv-ingestion-worker's parseCSV header-normalization
// convention.
type CSVSource struct {
	f        *os.File
	reader   *csv.Reader
	headers  []string
	idColumn int
}

// OpenCSV opens path and reads its header row. idColumn names the
// column holding each row's docId; every other column becomes a
// field in the emitted doc object.
func OpenCSV(path, idColumn string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("seeder: open csv %s: %w", path, err)
	}
	r := csv.NewReader(f)
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	headers, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seeder: read csv header %s: %w", path, err)
	}
	for i, h := range headers {
		headers[i] = strings.ToLower(strings.TrimSpace(h))
	}

	idCol := -1
	for i, h := range headers {
		if h == strings.ToLower(idColumn) {
			idCol = i
			break
		}
	}
	if idCol < 0 {
		f.Close()
		return nil, fmt.Errorf("seeder: csv %s has no %q column", path, idColumn)
	}

	return &CSVSource{f: f, reader: r, headers: headers, idColumn: idCol}, nil
}

func (c *CSVSource) Next(ctx context.Context) (SourceDocument, error) {
	row, err := c.reader.Read()
	if err == io.EOF {
		return SourceDocument{}, ErrDone
	}
	if err != nil {
		return SourceDocument{}, fmt.Errorf("seeder: read csv row: %w", err)
	}

	fields := make(map[string]string, len(c.headers))
	for i, h := range c.headers {
		if i == c.idColumn || i >= len(row) {
			continue
		}
		fields[h] = row[i]
	}
	doc, err := json.Marshal(fields)
	if err != nil {
		return SourceDocument{}, fmt.Errorf("seeder: encode csv row: %w", err)
	}
	return SourceDocument{DocID: row[c.idColumn], Doc: doc}, nil
}

func (c *CSVSource) Close() error {
	return c.f.Close()
}
