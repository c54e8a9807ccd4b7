package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("BTCUSDT", 2, time.Minute)
	b.nowFn = func() time.Time { return now }
	boom := errors.New("snapshot: ticker: timeout")

	assert.True(t, b.Allow())
	b.Observe(boom)
	assert.Equal(t, Closed, b.Status().State)
	b.Observe(boom)
	st := b.Status()
	assert.Equal(t, Open, st.State)
	assert.Equal(t, 2, st.Failures)
	assert.Equal(t, boom.Error(), st.LastError)
	assert.Equal(t, now.Add(time.Minute), st.RetryAt)
	assert.False(t, b.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.Status().State)

	// a failed trial re-opens immediately
	b.Observe(boom)
	assert.Equal(t, Open, b.Status().State)
	assert.False(t, b.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
	b.Observe(nil)
	st = b.Status()
	assert.Equal(t, Closed, st.State)
	assert.Zero(t, st.Failures)
	assert.Empty(t, st.LastError)
	assert.True(t, st.RetryAt.IsZero())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("ETHUSDT", 2, time.Minute)
	b.Observe(errors.New("x"))
	b.Observe(nil)
	b.Observe(errors.New("x"))
	assert.Equal(t, Closed, b.Status().State)
	assert.True(t, b.Allow())
}
