package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare number", "77011234567", "77011234567@c.us"},
		{"formatted number", "+7 (701) 123-45-67", "77011234567@c.us"},
		{"already qualified", "77011234567@c.us", "77011234567@c.us"},
		{"group address untouched", "1234567890-9876@g.us", "1234567890-9876@g.us"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid("77011234567@c.us"))
	assert.False(t, IsValid("@c.us"))
	assert.False(t, IsValid(""))
}
