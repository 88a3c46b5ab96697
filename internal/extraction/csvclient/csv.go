package csvclient

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/icaredata/icare-extract/internal/platform/runlog"
)

// row is one CSV record keyed by lower-cased header name.
type row map[string]string

func (r row) get(col string) string {
	return strings.TrimSpace(r[strings.ToLower(col)])
}

// readRows loads a CSV file with a header line. A UTF-8 byte order mark is
// ignored and header names are matched case-insensitively.
func readRows(path string) ([]row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var rows []row
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		r := make(row, len(header))
		for i, h := range header {
			if i < len(record) {
				r[h] = record[i]
			}
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// rowsFor returns the rows belonging to mrn whose dateRecorded falls inside
// [from, to]. Rows without a dateRecorded value are always included.
func rowsFor(rows []row, mrn string, from, to *time.Time) ([]row, error) {
	var out []row
	for _, r := range rows {
		if r.get("mrn") != mrn {
			continue
		}
		if recorded := r.get("dateRecorded"); recorded != "" && (from != nil || to != nil) {
			t, err := runlog.ParseDate(recorded)
			if err != nil {
				return nil, fmt.Errorf("invalid dateRecorded %q for patient %s: %w", recorded, mrn, err)
			}
			if from != nil && t.Before(*from) {
				continue
			}
			if to != nil && t.After(*to) {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}
