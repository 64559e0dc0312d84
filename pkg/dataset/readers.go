package dataset

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// CSVOptions configures ReadCSV.
type CSVOptions struct {
	// Charset is an IANA charset name such as "ISO-8859-1". Empty means UTF-8.
	Charset string

	// Comma is the field delimiter. Zero means ','.
	Comma rune

	// Columns limits the frame to these header names, in this order.
	Columns []string
}

// ReadCSV reads a CSV document with a header row into a Frame. Every
// selected cell must parse as a float.
func ReadCSV(r io.Reader, opts CSVOptions) (Frame, error) {
	if opts.Charset != "" && !strings.EqualFold(opts.Charset, "utf-8") {
		enc, err := ianaindex.IANA.Encoding(opts.Charset)
		if err != nil {
			return Frame{}, fmt.Errorf("dataset: charset %q: %w", opts.Charset, err)
		}
		if enc == nil {
			return Frame{}, fmt.Errorf("dataset: charset %q is not supported", opts.Charset)
		}
		r = transform.NewReader(r, enc.NewDecoder())
	}

	cr := csv.NewReader(r)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, errors.New("dataset: empty CSV")
		}
		return Frame{}, err
	}

	columns := opts.Columns
	if len(columns) == 0 {
		columns = header
	}
	idx := make([]int, len(columns))
	for k, c := range columns {
		idx[k] = -1
		for i, h := range header {
			if strings.TrimSpace(h) == c {
				idx[k] = i
				break
			}
		}
		if idx[k] < 0 {
			return Frame{}, fmt.Errorf("%w: %q", ErrNoColumn, c)
		}
	}

	f := Frame{Columns: make([]string, len(columns))}
	for k, c := range columns {
		f.Columns[k] = strings.TrimSpace(c)
	}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Frame{}, err
		}
		row := make([]float64, len(idx))
		for k, i := range idx {
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[i]), 64)
			if err != nil {
				return Frame{}, fmt.Errorf("dataset: line %d column %q: %w", line, f.Columns[k], err)
			}
			row[k] = v
		}
		f.Rows = append(f.Rows, row)
	}
	return f, nil
}

// ReadJSONLines reads one JSON object per line. Each column is a gjson path
// evaluated against the line, so nested values such as "measure.petal.width"
// can be flattened into a column. Blank lines are skipped.
func ReadJSONLines(r io.Reader, columns []string) (Frame, error) {
	if len(columns) == 0 {
		return Frame{}, errors.New("dataset: JSON lines reader needs columns")
	}
	f := Frame{Columns: append([]string(nil), columns...)}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if !gjson.Valid(text) {
			return Frame{}, fmt.Errorf("dataset: line %d is not valid JSON", line)
		}
		values := gjson.GetMany(text, columns...)
		row := make([]float64, len(columns))
		for i, v := range values {
			if !v.Exists() {
				return Frame{}, fmt.Errorf("dataset: line %d has no %q", line, columns[i])
			}
			if v.Type != gjson.Number {
				return Frame{}, fmt.Errorf("dataset: line %d field %q is not a number", line, columns[i])
			}
			row[i] = v.Float()
		}
		f.Rows = append(f.Rows, row)
	}
	if err := sc.Err(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
