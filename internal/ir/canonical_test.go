package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	got, err := MarshalCanonical(map[string]any{"b": 1, "a": "x", "c": true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":true}`, string(got))
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := MarshalCanonical("<a&b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a&b>"`, string(got))
}

func TestMarshalCanonical_EscapesControlCharacters(t *testing.T) {
	got, err := MarshalCanonical("line\nnext\u0001\"q\"\\")
	require.NoError(t, err)
	assert.Equal(t, `"line\nnext\u0001\"q\"\\"`, string(got))
}

func TestMarshalCanonical_NFCNormalizes(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonical_RejectsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": 1.5})
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"x": nil})
	assert.Error(t, err)

	_, err = MarshalCanonical(json.Number("2.5"))
	assert.Error(t, err)
}

func TestMarshalCanonical_UTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D.. which sort before U+FF61.
	got, err := MarshalCanonical(map[string]any{"｡": 1, "\U0001F600": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":2,\"｡\":1}", string(got))
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload([]byte(`{"filing_id":"F-1","plan_year":2024,"big":9007199254740993}`))
	require.NoError(t, err)

	assert.Equal(t, "F-1", p["filing_id"])
	assert.Equal(t, json.Number("9007199254740993"), p["big"])

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"big":9007199254740993,"filing_id":"F-1","plan_year":2024}`, string(out))
}

func TestDecodePayload_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"array", `[1,2]`},
		{"float", `{"x":1.25}`},
		{"null", `{"x":null}`},
		{"malformed", `{"x":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePayload([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestDecodePayload_Empty(t *testing.T) {
	p, err := DecodePayload(nil)
	require.NoError(t, err)
	assert.Empty(t, p)
}
