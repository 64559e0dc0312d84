package dataset

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func irisFrame() Frame {
	return Frame{
		Columns: []string{"sepal_length", "petal_length", "species"},
		Rows: [][]float64{
			{5.1, 1.4, 0},
			{7.0, 4.7, 1},
			{6.3, 6.0, 2},
			{4.9, 1.5, 0},
			{5.9, 4.2, 1},
		},
	}
}

func TestFrame_SelectDropColumn(t *testing.T) {
	f := irisFrame()
	require.Equal(t, 5, f.Len())
	require.Equal(t, 2, f.Index("species"))
	require.Equal(t, -1, f.Index("petal_width"))

	col, err := f.Column("species")
	require.NoError(t, err)
	require.Equal(t, []float64{0, 1, 2, 0, 1}, col)

	_, err = f.Column("nope")
	require.ErrorIs(t, err, ErrNoColumn)

	sel, err := f.Select("species", "sepal_length")
	require.NoError(t, err)
	require.Equal(t, []string{"species", "sepal_length"}, sel.Columns)
	require.Equal(t, []float64{1, 7.0}, sel.Rows[1])

	dropped := f.Drop("species", "unknown")
	require.Equal(t, []string{"sepal_length", "petal_length"}, dropped.Columns)
	require.Len(t, dropped.Rows, 5)

	taken := f.Take([]int{4, 0})
	require.Equal(t, [][]float64{{5.9, 4.2, 1}, {5.1, 1.4, 0}}, taken.Rows)

	// Take copies rows.
	taken.Rows[0][0] = 100
	require.Equal(t, 5.9, f.Rows[4][0])
}

func TestFrame_Records(t *testing.T) {
	f := irisFrame()
	recs := f.Records()
	require.Len(t, recs, 5)
	require.Equal(t, map[string]float64{"sepal_length": 5.1, "petal_length": 1.4, "species": 0}, recs[0])

	back, err := FrameFromRecords(recs, f.Columns)
	require.NoError(t, err)
	require.Equal(t, f, back)

	sorted, err := FrameFromRecords(recs, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"petal_length", "sepal_length", "species"}, sorted.Columns)

	_, err = FrameFromRecords([]map[string]float64{{"a": 1}, {"b": 2}}, []string{"a"})
	require.Error(t, err)
}

func TestFrame_JSON(t *testing.T) {
	f := irisFrame()
	data, err := json.Marshal(f)
	require.NoError(t, err)
	require.Contains(t, string(data), `{"sepal_length":5.1,"petal_length":1.4,"species":0}`)

	var back Frame
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, f, back)

	require.Error(t, json.Unmarshal([]byte(`{"a":1}`), &back))
	require.Error(t, json.Unmarshal([]byte(`[{"a":1},{"b":2}]`), &back))
	require.Error(t, json.Unmarshal([]byte(`[{"a":"x"}]`), &back))

	var empty Frame
	require.NoError(t, json.Unmarshal([]byte(`[]`), &empty))
	require.Equal(t, 0, empty.Len())
}

func TestFrame_UnmarshalRejectsUnknownColumns(t *testing.T) {
	var f Frame
	err := json.Unmarshal([]byte(`[{"a":1,"b":2},{"a":3,"b":4,"c":5}]`), &f)
	require.ErrorContains(t, err, `record 1 has unknown column "c"`)

	err = json.Unmarshal([]byte(`[{"a":1,"b":2},{"a":3}]`), &f)
	require.ErrorContains(t, err, `record 1 has no "b"`)

	require.NoError(t, json.Unmarshal([]byte(`[{"a":1,"b":2},{"b":4,"a":3}]`), &f))
	require.Equal(t, []string{"a", "b"}, f.Columns)
	require.Equal(t, [][]float64{{1, 2}, {3, 4}}, f.Rows)
}
