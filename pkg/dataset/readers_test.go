package dataset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadCSV(t *testing.T) {
	in := "sepal_length, petal_length, species\n5.1, 1.4, 0\n7.0, 4.7, 1\n"
	f, err := ReadCSV(strings.NewReader(in), CSVOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"sepal_length", "petal_length", "species"}, f.Columns)
	require.Equal(t, [][]float64{{5.1, 1.4, 0}, {7.0, 4.7, 1}}, f.Rows)

	f, err = ReadCSV(strings.NewReader(in), CSVOptions{Columns: []string{"species", "sepal_length"}})
	require.NoError(t, err)
	require.Equal(t, [][]float64{{0, 5.1}, {1, 7.0}}, f.Rows)

	_, err = ReadCSV(strings.NewReader(in), CSVOptions{Columns: []string{"petal_width"}})
	require.ErrorIs(t, err, ErrNoColumn)

	_, err = ReadCSV(strings.NewReader("a\nx\n"), CSVOptions{})
	require.ErrorContains(t, err, "line 2")

	_, err = ReadCSV(strings.NewReader(""), CSVOptions{})
	require.Error(t, err)
}

func TestReadCSV_SemicolonAndLatin1(t *testing.T) {
	// "größe;wert" in ISO-8859-1.
	in := "gr\xf6\xdfe;wert\n1;2\n"
	f, err := ReadCSV(strings.NewReader(in), CSVOptions{Charset: "ISO-8859-1", Comma: ';'})
	require.NoError(t, err)
	require.Equal(t, []string{"größe", "wert"}, f.Columns)
	require.Equal(t, [][]float64{{1, 2}}, f.Rows)

	_, err = ReadCSV(strings.NewReader(in), CSVOptions{Charset: "no-such-charset"})
	require.Error(t, err)
}

func TestReadJSONLines(t *testing.T) {
	in := `{"id": 1, "measure": {"petal": {"width": 0.2}}, "label": 0}

{"id": 2, "measure": {"petal": {"width": 1.3}}, "label": 1}
`
	f, err := ReadJSONLines(strings.NewReader(in), []string{"measure.petal.width", "label"})
	require.NoError(t, err)
	require.Equal(t, []string{"measure.petal.width", "label"}, f.Columns)
	require.Equal(t, [][]float64{{0.2, 0}, {1.3, 1}}, f.Rows)

	_, err = ReadJSONLines(strings.NewReader(`{"a": 1}`), []string{"b"})
	require.ErrorContains(t, err, `no "b"`)

	_, err = ReadJSONLines(strings.NewReader(`{"a": "x"}`), []string{"a"})
	require.Error(t, err)

	_, err = ReadJSONLines(strings.NewReader(`{nope`), []string{"a"})
	require.Error(t, err)

	_, err = ReadJSONLines(strings.NewReader(``), nil)
	require.Error(t, err)
}
