package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := New()
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 8*time.Second, b.Next())
	assert.Equal(t, 16*time.Second, b.Next())
	assert.Equal(t, 32*time.Second, b.Next())
	assert.Equal(t, 60*time.Second, b.Next(), "64s would exceed the cap")
	assert.Equal(t, 60*time.Second, b.Next(), "stays at the cap")
}

func TestBackoffResetReturnsToInitial(t *testing.T) {
	b := New()
	b.Next()
	b.Next()
	b.Reset()
	assert.Equal(t, 2*time.Second, b.Next())
}
