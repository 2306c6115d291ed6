package db

import (
	"database/sql"
	"fmt"
	"strconv"
)

// Row is one result row keyed by column name
type Row map[string]any

// ResultSet holds the rows returned by Execute
type ResultSet struct {
	Columns []string
	Rows    []Row
}

func collectRows(rows *sql.Rows) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		rs.Rows = append(rs.Rows, row)
	}
	return rs, rows.Err()
}

// IsNull reports whether col is missing or SQL NULL
func (r Row) IsNull(col string) bool {
	v, ok := r[col]
	return !ok || v == nil
}

// String returns col as text; NULL becomes ""
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns col as an integer; NULL and unparseable text become 0
func (r Row) Int(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case []byte:
		n, _ := strconv.ParseInt(string(v), 10, 64)
		return n
	}
	return 0
}
