package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebindDollar(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"WHERE id = ?", "WHERE id = $1"},
		{"SET a = ?, b = ? WHERE id = ?", "SET a = $1, b = $2 WHERE id = $3"},
		{"name = 'café' AND id = ?", "name = 'café' AND id = $1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RebindDollar(tt.in))
	}
}
