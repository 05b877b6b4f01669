package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLGetSet(t *testing.T) {
	c := NewTTL[string, int](10, time.Minute)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestTTLExpiry(t *testing.T) {
	now := time.Now()
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	c := NewTTL[string, string](10, 15*time.Minute)
	c.Set("q", "results")

	now = now.Add(14 * time.Minute)
	_, ok := c.Get("q")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("q")
	assert.False(t, ok)
}

func TestTTLSizeEviction(t *testing.T) {
	now := time.Now()
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	c := NewTTL[int, int](3, time.Hour)
	for i := 0; i < 3; i++ {
		c.Set(i, i)
		now = now.Add(time.Second)
	}

	// Full: inserting a fourth entry evicts the oldest (key 0).
	c.Set(99, 99)
	assert.Equal(t, 3, c.Len())
	_, ok := c.Get(0)
	assert.False(t, ok)
	_, ok = c.Get(99)
	assert.True(t, ok)
}

func TestTTLClear(t *testing.T) {
	c := NewTTL[string, int](5, time.Minute)
	c.Set("x", 1)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
