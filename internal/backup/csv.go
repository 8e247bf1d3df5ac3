package backup

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/halyard-io/halyard/internal/storage"
)

// nullMarker distinguishes SQL NULL from the empty string in CSV cells.
const nullMarker = `\N`

// exportTable writes one table to path: a header row of column names, then
// one row per record ordered by id (and version for history tables), all
// rows included regardless of soft-delete state. Returns the row count.
func exportTable(ctx context.Context, c *storage.Conn, table string, cols []string, orderBy, path string) (int, error) {
	rows, err := c.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM [%s] ORDER BY %s", storage.QuoteAll(cols), table, orderBy))
	if err != nil {
		return 0, err
	}

	f, err := os.Create(path) // #nosec G304 -- path is built from the config-owned backup dir
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(cols); err != nil {
		return 0, err
	}
	record := make([]string, len(cols))
	for _, row := range rows {
		for i, col := range cols {
			record[i] = renderCell(row[col])
		}
		if err := w.Write(record); err != nil {
			return 0, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, err
	}
	return len(rows), f.Close()
}

func renderCell(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return nullMarker
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// tableCSV is one parsed CSV file: the header and the raw cell values with
// the NULL marker already converted back to nil.
type tableCSV struct {
	cols []string
	rows [][]interface{}
}

func readTableCSV(path string) (tableCSV, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from globbing the backup dir
	if err != nil {
		return tableCSV{}, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return tableCSV{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return tableCSV{}, fmt.Errorf("parse %s: missing header", path)
	}
	out := tableCSV{cols: records[0], rows: make([][]interface{}, 0, len(records)-1)}
	for _, record := range records[1:] {
		vals := make([]interface{}, len(record))
		for i, cell := range record {
			if cell == nullMarker {
				vals[i] = nil
			} else {
				vals[i] = cell
			}
		}
		out.rows = append(out.rows, vals)
	}
	return out, nil
}

// cell returns the raw value of the named column in a parsed row, or nil if
// the column is absent from this CSV's generation of the schema.
func (t tableCSV) cell(row []interface{}, col string) interface{} {
	for i, name := range t.cols {
		if name == col {
			return row[i]
		}
	}
	return nil
}
