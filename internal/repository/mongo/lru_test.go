package mongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRUSetEvictsOldest(t *testing.T) {
	s := newLRUSet(2)
	s.Add("a")
	s.Add("b")
	assert.True(t, s.Contains("a"))

	// "a" was touched, so "b" is the eviction victim.
	s.Add("c")
	assert.True(t, s.Contains("a"))
	assert.True(t, s.Contains("c"))
	assert.False(t, s.Contains("b"))
}

func TestLRUSetRemove(t *testing.T) {
	s := newLRUSet(4)
	s.Add("a")
	s.Remove("a")
	assert.False(t, s.Contains("a"))
	s.Remove("missing")
}
