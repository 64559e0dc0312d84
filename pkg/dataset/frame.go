package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// ErrNoColumn is returned when a named column does not exist.
var ErrNoColumn = errors.New("dataset: no such column")

// Frame is a small column-labelled table of float64 values.
type Frame struct {
	Columns []string
	Rows    [][]float64
}

// Len returns the number of rows.
func (f Frame) Len() int { return len(f.Rows) }

// Index returns the position of a column, or -1.
func (f Frame) Index(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns a copy of one column.
func (f Frame) Column(name string) ([]float64, error) {
	i := f.Index(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoColumn, name)
	}
	out := make([]float64, len(f.Rows))
	for r, row := range f.Rows {
		out[r] = row[i]
	}
	return out, nil
}

// Select returns a frame with the named columns, in the given order.
func (f Frame) Select(names ...string) (Frame, error) {
	idx := make([]int, len(names))
	for k, name := range names {
		i := f.Index(name)
		if i < 0 {
			return Frame{}, fmt.Errorf("%w: %q", ErrNoColumn, name)
		}
		idx[k] = i
	}
	out := Frame{Columns: append([]string(nil), names...), Rows: make([][]float64, len(f.Rows))}
	for r, row := range f.Rows {
		vals := make([]float64, len(idx))
		for k, i := range idx {
			vals[k] = row[i]
		}
		out.Rows[r] = vals
	}
	return out, nil
}

// Drop returns a frame without the named columns. Unknown names are ignored.
func (f Frame) Drop(names ...string) Frame {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	var keep []string
	for _, c := range f.Columns {
		if !drop[c] {
			keep = append(keep, c)
		}
	}
	out, _ := f.Select(keep...)
	return out
}

// Take returns the rows at the given positions.
func (f Frame) Take(rows []int) Frame {
	out := Frame{Columns: append([]string(nil), f.Columns...), Rows: make([][]float64, len(rows))}
	for k, r := range rows {
		out.Rows[k] = append([]float64(nil), f.Rows[r]...)
	}
	return out
}

// Records returns one map per row.
func (f Frame) Records() []map[string]float64 {
	out := make([]map[string]float64, len(f.Rows))
	for r, row := range f.Rows {
		rec := make(map[string]float64, len(f.Columns))
		for i, c := range f.Columns {
			rec[c] = row[i]
		}
		out[r] = rec
	}
	return out
}

// FrameFromRecords builds a frame from records. When columns is empty the
// sorted union of all record keys is used. Missing values are an error.
func FrameFromRecords(records []map[string]float64, columns []string) (Frame, error) {
	if len(columns) == 0 {
		seen := make(map[string]bool)
		for _, rec := range records {
			for k := range rec {
				if !seen[k] {
					seen[k] = true
					columns = append(columns, k)
				}
			}
		}
		sort.Strings(columns)
	}
	f := Frame{Columns: append([]string(nil), columns...), Rows: make([][]float64, len(records))}
	for r, rec := range records {
		row := make([]float64, len(columns))
		for i, c := range columns {
			v, ok := rec[c]
			if !ok {
				return Frame{}, fmt.Errorf("dataset: record %d has no %q", r, c)
			}
			row[i] = v
		}
		f.Rows[r] = row
	}
	return f, nil
}

// MarshalJSON encodes the frame as a list of records with keys in column
// order.
func (f Frame) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for r, row := range f.Rows {
		if r > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for i, c := range f.Columns {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(c)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			buf.WriteString(strconv.FormatFloat(row[i], 'g', -1, 64))
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a list of records. Column order follows the keys of
// the first record; every later record must have exactly those keys.
func (f *Frame) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("dataset: invalid JSON")
	}
	res := gjson.ParseBytes(data)
	if !res.IsArray() {
		return errors.New("dataset: frame JSON must be a list of records")
	}
	records := res.Array()

	var columns []string
	if len(records) > 0 {
		if !records[0].IsObject() {
			return errors.New("dataset: frame records must be objects")
		}
		records[0].ForEach(func(key, _ gjson.Result) bool {
			columns = append(columns, key.String())
			return true
		})
	}

	known := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		known[c] = struct{}{}
	}

	rows := make([][]float64, len(records))
	for r, rec := range records {
		if !rec.IsObject() {
			return fmt.Errorf("dataset: record %d is not an object", r)
		}
		fields := make(map[string]gjson.Result, len(columns))
		var (
			unknown    string
			hasUnknown bool
		)
		rec.ForEach(func(key, value gjson.Result) bool {
			k := key.String()
			if _, ok := known[k]; !ok {
				unknown, hasUnknown = k, true
				return false
			}
			fields[k] = value
			return true
		})
		if hasUnknown {
			return fmt.Errorf("dataset: record %d has unknown column %q", r, unknown)
		}
		row := make([]float64, len(columns))
		for i, c := range columns {
			v, ok := fields[c]
			if !ok {
				return fmt.Errorf("dataset: record %d has no %q", r, c)
			}
			if v.Type != gjson.Number {
				return fmt.Errorf("dataset: record %d field %q is not a number", r, c)
			}
			row[i] = v.Float()
		}
		rows[r] = row
	}
	f.Columns = columns
	f.Rows = rows
	return nil
}
