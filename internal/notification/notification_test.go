package notification

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		n    Notification
	}{
		{name: "empty", n: Notification{}},
		{name: "text only", n: Notification{Text: "hello"}},
		{name: "vibrate", n: Notification{Text: "wake up", Vibrate: true}},
		{name: "unicode", n: Notification{Text: "größe 😀 テスト"}},
		{name: "large", n: Notification{Text: strings.Repeat("x", 10000), Vibrate: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.n)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, tt.n, got)
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	n := Notification{Text: "same", Vibrate: true}
	a, err := Encode(n)
	require.NoError(t, err)
	b, err := Encode(n)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeMalformed(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":     nil,
		"garbage":   []byte("NOTIFICATION"),
		"truncated": {0xa2, 0x01, 0x65, 'h'},
		"not a map": {0x01},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}
