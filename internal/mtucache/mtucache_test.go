package mtucache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New()
	_, ok := c.Get("203.0.113.1")
	assert.False(t, ok)
}

func TestRememberThenGetRoundtrips(t *testing.T) {
	c := New()
	c.Remember("203.0.113.1", 1400)
	size, ok := c.Get("203.0.113.1")
	assert.True(t, ok)
	assert.Equal(t, 1400, size)
}

func TestRememberOverwritesPriorValue(t *testing.T) {
	c := New()
	c.Remember("203.0.113.1", 1400)
	c.Remember("203.0.113.1", 1200)
	size, ok := c.Get("203.0.113.1")
	assert.True(t, ok)
	assert.Equal(t, 1200, size)
}
