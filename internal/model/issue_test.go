package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseChoices(t *testing.T) {
	t.Run("category", func(t *testing.T) {
		c, ok := ParseCategory(" infrastructure ")
		assert.True(t, ok)
		assert.Equal(t, CategoryInfrastructure, c)

		_, ok = ParseCategory("ROADS")
		assert.False(t, ok)
	})

	t.Run("status accepts legacy spelling", func(t *testing.T) {
		for _, in := range []string{"IN_PROGRESS", "in progress", "In-Progress"} {
			s, ok := ParseStatus(in)
			assert.True(t, ok, in)
			assert.Equal(t, StatusInProgress, s, in)
		}
		_, ok := ParseStatus("CLOSED")
		assert.False(t, ok)
	})

	t.Run("priority", func(t *testing.T) {
		p, ok := ParsePriority("na")
		assert.True(t, ok)
		assert.Equal(t, PriorityNA, p)

		_, ok = ParsePriority("")
		assert.False(t, ok)
	})

	t.Run("role", func(t *testing.T) {
		r, ok := ParseRole("municipal")
		assert.True(t, ok)
		assert.Equal(t, RoleMunicipal, r)

		_, ok = ParseRole("OWNER")
		assert.False(t, ok)
	})
}
