package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteCachePutGet(t *testing.T) {
	c := NewByteCache(time.Minute)
	defer c.Close()

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("h1", []byte("payload"))
	got, ok := c.Get("h1")
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), got)
	assert.Equal(t, 1, c.Len())

	c.Put("h1", []byte("newer"))
	got, _ = c.Get("h1")
	assert.Equal(t, []byte("newer"), got)
	assert.Equal(t, 1, c.Len())
}

func TestByteCacheExpiry(t *testing.T) {
	c := NewByteCache(time.Minute)
	defer c.Close()

	c.Put("h1", []byte("payload"))
	// Force the entry past its deadline; Get evicts lazily.
	c.mu.Lock()
	e := c.entries["h1"]
	e.expires = time.Now().Add(-time.Second)
	c.entries["h1"] = e
	c.mu.Unlock()

	_, ok := c.Get("h1")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestByteCacheDropAndClose(t *testing.T) {
	c := NewByteCache(0) // clamped to the one-minute floor
	c.Put("h1", []byte("a"))
	c.Put("h2", []byte("b"))
	c.Drop("h1")
	assert.Equal(t, 1, c.Len())

	c.Close()
	c.Close() // idempotent
}
