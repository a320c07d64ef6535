package scan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Hour, func() time.Time { return now })

	ok, _ := rl.Allow("alice:inbox")
	assert.True(t, ok)
	now = now.Add(10 * time.Minute)
	ok, _ = rl.Allow("alice:inbox")
	assert.True(t, ok)

	now = now.Add(10 * time.Minute)
	ok, wait := rl.Allow("alice:inbox")
	assert.False(t, ok)
	assert.Equal(t, 40*time.Minute, wait)

	// other keys are independent
	ok, _ = rl.Allow("alice:responses")
	assert.True(t, ok)

	// the first run leaves the window
	now = now.Add(41 * time.Minute)
	ok, _ = rl.Allow("alice:inbox")
	assert.True(t, ok)
}

func TestRateLimiterPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1, time.Minute, func() time.Time { return now })

	rl.Allow("a")
	rl.Allow("b")
	now = now.Add(2 * time.Minute)
	rl.Prune()
	assert.Empty(t, rl.requests)
}
