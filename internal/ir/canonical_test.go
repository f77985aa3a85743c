package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", IRString("hello"), `"hello"`},
		{"empty string", IRString(""), `""`},
		{"int", IRInt(42), "42"},
		{"negative int", IRInt(-100), "-100"},
		{"min int64", IRInt(-9223372036854775808), "-9223372036854775808"},
		{"bool", IRBool(true), "true"},
		{"empty array", IRArray{}, "[]"},
		{"empty object", IRObject{}, "{}"},
		{"nested", IRObject{"z": IRArray{IRInt(1)}, "a": IRObject{"b": IRBool(false)}}, `{"a":{"b":false},"z":[1]}`},
		{"plain go map", map[string]any{"b": int64(2), "a": "x"}, `{"a":"x","b":2}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalUTF16Ordering(t *testing.T) {
	// UTF-16 order: 0xD800 (surrogate of U+10000) < 0xE000
	obj := IRObject{
		"\uE000":     IRInt(1),
		"\U00010000": IRInt(2),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":2,\"\uE000\":1}", string(result))
}

func TestMarshalCanonicalEscaping(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"quote", `a"b`, `"a\"b"`},
		{"backslash", `a\b`, `"a\\b"`},
		{"newline", "a\nb", `"a\nb"`},
		{"control", "a\x01b", `"a\u0001b"`},
		{"html not escaped", "<a>&", `"<a>&"`},
		{"line separator literal", "a\u2028b", "\"a\u2028b\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(IRString(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNFC(t *testing.T) {
	decomposed := IRString("e\u0301")
	composed := IRString("\u00e9")

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(composed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonicalRejects(t *testing.T) {
	_, err := MarshalCanonical(IRNull{})
	assert.Error(t, err)

	_, err = MarshalCanonical(3.5)
	assert.Error(t, err)

	_, err = MarshalCanonical(IRObject{"a": IRArray{IRNull{}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `key "a"`)
}

func TestFromGoIntegralFloats(t *testing.T) {
	v, err := FromGo(map[string]any{"n": float64(4)})
	require.NoError(t, err)
	assert.Equal(t, IRObject{"n": IRInt(4)}, v)

	_, err = FromGo(map[string]any{"n": 4.5})
	assert.Error(t, err)
}

func TestUnmarshalIRValueStrict(t *testing.T) {
	v, err := UnmarshalIRValue([]byte(`{"a":[1,"x",true]}`))
	require.NoError(t, err)
	assert.True(t, Equal(IRObject{"a": IRArray{IRInt(1), IRString("x"), IRBool(true)}}, v))

	_, err = UnmarshalIRValue([]byte(`{"a":1.5}`))
	assert.Error(t, err)

	_, err = UnmarshalIRValue([]byte(`{"a":null}`))
	assert.Error(t, err)
}
