package jsoncodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type channelSnapshot struct {
	Name    string            `json:"name"`
	Depth   int               `json:"depth"`
	Headers map[string]string `json:"headers,omitempty"`
}

func TestMarshalSortsMapKeys(t *testing.T) {
	data, err := Marshal(channelSnapshot{
		Name:    "orders",
		Depth:   3,
		Headers: map[string]string{"tenant": "acme", "b": "2", "a": "1"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"orders","depth":3,"headers":{"a":"1","b":"2","tenant":"acme"}}`, string(data))

	var back channelSnapshot
	require.NoError(t, Unmarshal(data, &back))
	assert.Equal(t, "acme", back.Headers["tenant"])

	indented, err := MarshalIndent(channelSnapshot{Name: "orders"}, "", "  ")
	require.NoError(t, err)
	assert.Contains(t, string(indented), "\n  \"name\": \"orders\"")
}

func TestUnmarshalCopiesStrings(t *testing.T) {
	payload := []byte(`{"name":"orders"}`)
	var snap channelSnapshot
	require.NoError(t, Unmarshal(payload, &snap))

	copy(payload[9:], "xxxxxx")
	assert.Equal(t, "orders", snap.Name)
}

func TestEncodeDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, channelSnapshot{Name: "a", Depth: 1}))
	require.NoError(t, Encode(&buf, channelSnapshot{Name: "b", Depth: 2}))

	var first, second channelSnapshot
	require.NoError(t, Decode(&buf, &first))
	require.NoError(t, Decode(&buf, &second))
	assert.Equal(t, "a", first.Name)
	assert.Equal(t, 2, second.Depth)
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"id":1}`)))
	assert.False(t, Valid([]byte(`{"id":`)))
}
