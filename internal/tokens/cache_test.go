package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCache_ReadyOnlyAfterReplace(t *testing.T) {
	c := NewCache()
	assert.False(t, c.Ready())
	_, ok := c.Lookup("a")
	assert.False(t, ok)

	c.Replace(map[string]Entry{})
	assert.True(t, c.Ready(), "an empty table is still a loaded table")
	assert.Equal(t, 0, c.Len())
}

func TestCache_LookupAndScope(t *testing.T) {
	c := NewCache()
	c.Replace(map[string]Entry{
		"a": {RateLimit: 5, Scope: Scope{"render": true}},
		"b": {RateLimit: 10},
	})

	assert.Equal(t, 5, c.RateLimit("a"))
	assert.Equal(t, 10, c.RateLimit("b"))
	_, ok := c.Lookup("c")
	assert.False(t, ok)
	assert.Equal(t, 0, c.RateLimit("c"))

	e, ok := c.Lookup("a")
	assert.True(t, ok)
	assert.True(t, e.Scope.Allows(ScopeRender))
	assert.False(t, e.Scope.Allows("ops"))

	e, ok = c.Lookup("b")
	assert.True(t, ok)
	assert.False(t, e.Scope.Allows(ScopeRender), "a token without scope grants nothing")
}

func TestCache_ReplaceSwapsWholeTable(t *testing.T) {
	c := NewCache()
	c.Replace(map[string]Entry{"a": {RateLimit: 5}, "b": {RateLimit: 10}})
	assert.Equal(t, 10, c.RateLimit("b"))

	src := map[string]Entry{"a": {RateLimit: 7}, "c": {RateLimit: 12}}
	c.Replace(src)
	src["a"] = Entry{RateLimit: 99}

	assert.Equal(t, 7, c.RateLimit("a"), "cache must not alias the caller's map")
	_, ok := c.Lookup("b")
	assert.False(t, ok)
	assert.Equal(t, 12, c.RateLimit("c"))
}
