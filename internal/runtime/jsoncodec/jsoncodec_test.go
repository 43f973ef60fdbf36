package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMarshalUnmarshal(t *testing.T) {
	in := sample{Name: "orders", Count: 3}

	data, err := Marshal(in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sample{Name: "events"}))

	var out sample
	require.NoError(t, Decode(&buf, &out))
	assert.Equal(t, "events", out.Name)
}

func TestUnmarshalInvalid(t *testing.T) {
	var out sample
	assert.Error(t, Unmarshal([]byte("{not json"), &out))
}
