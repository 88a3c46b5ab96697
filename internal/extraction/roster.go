package extraction

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParsePatientIDs reads the mrn column of a roster CSV. The result has one
// entry per data row so that index i is always row i+1 of the file; rows
// without an mrn hold "".
func ParsePatientIDs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patient roster: %w", err)
	}
	return parsePatientIDs(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
}

func parsePatientIDs(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("patient roster is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read roster header: %w", err)
	}

	col := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), "mrn") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errors.New("patient roster has no mrn column")
	}

	var ids []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read roster: %w", err)
		}
		mrn := ""
		if col < len(record) {
			mrn = strings.TrimSpace(record[col])
		}
		ids = append(ids, mrn)
	}
	return ids, nil
}
