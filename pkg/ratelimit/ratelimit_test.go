package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterAllowsUpToLimitThenRejects(t *testing.T) {
	l := NewLimiter(3)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("lab-1"))
	}
	assert.False(t, l.Allow("lab-1"))
}

func TestLimiterIsPerLab(t *testing.T) {
	l := NewLimiter(1)
	assert.True(t, l.Allow("lab-1"))
	assert.True(t, l.Allow("lab-2"))
	assert.False(t, l.Allow("lab-1"))
}

func TestDedupCheckAndStore(t *testing.T) {
	d := NewDedup(50 * time.Millisecond)

	assert.False(t, d.CheckAndStore("hash-1"), "first check is never a duplicate")
	assert.True(t, d.CheckAndStore("hash-1"), "second check before expiry is a duplicate")

	time.Sleep(100 * time.Millisecond)
	assert.False(t, d.CheckAndStore("hash-1"), "check after expiry is treated as new")
}
