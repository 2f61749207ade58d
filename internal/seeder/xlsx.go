package seeder

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXSource reads rows from the first non-metadata sheet of an XLSX
// workbook, grounded on csv-ingestion-worker's parseExcel sheet-skip
// heuristic (skipping sheets named info/metadata/about/readme/notes).
type XLSXSource struct {
	f        *excelize.File
	rows     [][]string
	headers  []string
	idColumn int
	pos      int
}

var skipSheetNames = map[string]bool{
	"info": true, "metadata": true, "about": true, "readme": true, "notes": true,
}

// OpenXLSX opens path and loads its first data sheet.
func OpenXLSX(path, idColumn string) (*XLSXSource, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("seeder: open xlsx %s: %w", path, err)
	}

	var sheetName string
	for _, name := range f.GetSheetList() {
		if !skipSheetNames[strings.ToLower(name)] {
			sheetName = name
			break
		}
	}
	if sheetName == "" {
		sheetName = f.GetSheetList()[0]
	}

	all, err := f.GetRows(sheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("seeder: read xlsx sheet %s: %w", sheetName, err)
	}
	if len(all) == 0 {
		f.Close()
		return nil, fmt.Errorf("seeder: xlsx sheet %s is empty", sheetName)
	}

	headers := make([]string, len(all[0]))
	idCol := -1
	for i, h := range all[0] {
		headers[i] = strings.ToLower(strings.TrimSpace(h))
		if headers[i] == strings.ToLower(idColumn) {
			idCol = i
		}
	}
	if idCol < 0 {
		f.Close()
		return nil, fmt.Errorf("seeder: xlsx sheet %s has no %q column", sheetName, idColumn)
	}

	return &XLSXSource{f: f, rows: all[1:], headers: headers, idColumn: idCol}, nil
}

func (x *XLSXSource) Next(ctx context.Context) (SourceDocument, error) {
	if x.pos >= len(x.rows) {
		return SourceDocument{}, ErrDone
	}
	row := x.rows[x.pos]
	x.pos++

	fields := make(map[string]string, len(x.headers))
	for i, h := range x.headers {
		if i == x.idColumn || i >= len(row) {
			continue
		}
		fields[h] = row[i]
	}
	doc, err := json.Marshal(fields)
	if err != nil {
		return SourceDocument{}, fmt.Errorf("seeder: encode xlsx row: %w", err)
	}
	var docID string
	if x.idColumn < len(row) {
		docID = row[x.idColumn]
	}
	return SourceDocument{DocID: docID, Doc: doc}, nil
}

func (x *XLSXSource) Close() error {
	return x.f.Close()
}
