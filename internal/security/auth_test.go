package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAuthorized(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		user    string
		want    bool
	}{
		{"empty list allows everyone", nil, "anyone", true},
		{"listed user", []string{"alice", "bob"}, "alice", true},
		{"case insensitive", []string{"Alice"}, "alice", true},
		{"unlisted user", []string{"alice"}, "mallory", false},
		{"empty username against list", []string{"alice"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAuthorized(tt.allowed, tt.user, nil))
		})
	}
}
