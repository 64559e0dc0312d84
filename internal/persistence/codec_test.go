package persistence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeValue_Nil(t *testing.T) {
	data, err := EncodeValue(nil)
	require.NoError(t, err)
	require.Nil(t, data)

	v, err := DecodeValue(nil)
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestEncodeValue_SmallIsPlainGob(t *testing.T) {
	in := trainedModel{Weights: []float64{1, 2}, Bias: 3}
	data, err := EncodeValue(in)
	require.NoError(t, err)
	require.Equal(t, formatGob, data[0])

	out, err := DecodeValue(data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestEncodeValue_LargeIsCompressed(t *testing.T) {
	weights := make([]float64, 4096)
	for i := range weights {
		weights[i] = float64(i % 7)
	}
	in := trainedModel{Weights: weights, Bias: -1}

	data, err := EncodeValue(in)
	require.NoError(t, err)
	require.Equal(t, formatLZ4, data[0])

	out, err := DecodeValue(data)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeValue_UnknownFormat(t *testing.T) {
	_, err := DecodeValue([]byte("xabc"))
	require.ErrorIs(t, err, ErrUnknownFormat)
}
