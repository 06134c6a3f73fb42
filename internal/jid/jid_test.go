package jid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare number", "5599999999999", "5599999999999@s.whatsapp.net"},
		{"spaces and hyphens", "55 99 9999-9999", "559999999999@s.whatsapp.net"},
		{"already personal", "5599999999999@s.whatsapp.net", "5599999999999@s.whatsapp.net"},
		{"already group", "123456789-987654@g.us", "123456789-987654@g.us"},
		{"group with spaces", "123456789 987654@g.us", "123456789987654@g.us"},
		{"other server passes through", "12345@lid", "12345@lid"},
		{"broadcast passes through", "status@broadcast", "status@broadcast"},
		{"plus prefix kept", "+5599999999999", "+5599999999999@s.whatsapp.net"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestParse(t *testing.T) {
	j, err := Parse("55 99 9999-9999")
	require.NoError(t, err)
	assert.Equal(t, "559999999999", j.User)
	assert.Equal(t, "s.whatsapp.net", j.Server)

	g, err := Parse("123456789987654@g.us")
	require.NoError(t, err)
	assert.Equal(t, "g.us", g.Server)
}

func TestDigits(t *testing.T) {
	assert.Equal(t, "5599999999999", Digits("+55 (99) 9999-9999 9"))
	assert.Equal(t, "", Digits("abc"))
}
