package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		hint string
		want string
	}{
		{name: "indian mobile with trunk zero", raw: "081234 56789", hint: "IN", want: "918123456789"},
		{name: "blank hint defaults to IN", raw: "8123456789", hint: "", want: "918123456789"},
		{name: "whitespace hint defaults to IN", raw: "8123456789", hint: "   ", want: "918123456789"},
		{name: "international format ignores hint", raw: "+1 201-555-0123", hint: "IN", want: "12015550123"},
		{name: "lower case hint", raw: "(201) 555-0123", hint: "us", want: "12015550123"},
		{name: "already canonical", raw: "918123456789", hint: "IN", want: "918123456789"},
		{name: "unparseable passes through", raw: "not-a-number", hint: "IN", want: "not-a-number"},
		{name: "invalid passes through", raw: "12345", hint: "IN", want: "12345"},
		{name: "empty passes through", raw: "", hint: "IN", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw, tt.hint))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"081234 56789", "+1 201-555-0123", "garbage", "12345"}

	for _, raw := range inputs {
		once := Normalize(raw, "IN")
		assert.Equal(t, once, Normalize(once, "IN"), raw)
	}
}

func TestParse_ReportsValidity(t *testing.T) {
	got, ok := Parse("8123456789", "IN")
	assert.True(t, ok)
	assert.Equal(t, "918123456789", got)

	got, ok = Parse("abc", "IN")
	assert.False(t, ok)
	assert.Equal(t, "abc", got)
}

func TestFormatter_DefaultRegion(t *testing.T) {
	f := NewFormatter("us")

	assert.Equal(t, "12015550123", f.Normalize("201-555-0123", ""))
	assert.Equal(t, "918123456789", f.Normalize("8123456789", "IN"))

	assert.Equal(t, "918123456789", NewFormatter("").Normalize("8123456789", ""))
}
