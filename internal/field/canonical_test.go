package field

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  string
	}{
		{
			name:  "keys sorted by UTF-16 code units",
			value: Object{"b": Number(2), "a": Number(1), "\U0001D306": Number(3)},
			want:  `{"a":1,"b":2,"` + "\U0001D306" + `":3}`,
		},
		{
			name:  "no html escaping",
			value: String("<a href=\"x\">&</a>"),
			want:  `"<a href=\"x\">&</a>"`,
		},
		{
			name:  "shortest float form",
			value: Number(5000),
			want:  "5000",
		},
		{
			name:  "fractional number",
			value: Number(0.1),
			want:  "0.1",
		},
		{
			name:  "null",
			value: Null{},
			want:  "null",
		},
		{
			name:  "nested",
			value: Object{"tags": List{String("vip")}, "done": Bool(false)},
			want:  `{"done":false,"tags":["vip"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestMarshalCanonicalNFC(t *testing.T) {
	// "e" + combining acute accent normalizes to the precomposed form.
	decomposed := String("café")
	precomposed := String("café")

	a, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	b, err := MarshalCanonical(precomposed)
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	obj := Object{"z": Number(1), "a": String("x"), "m": List{Bool(true), Null{}}}
	first, err := MarshalCanonical(obj)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := MarshalCanonical(obj)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}
