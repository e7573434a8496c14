package retrysched

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/heraldhq/herald/model"
)

func testPolicy() model.RetryPolicy {
	return model.RetryPolicy{
		MaxAttempts:      4,
		BaseDelayMs:      3000,
		BackoffFactor:    2,
		MaxBackoffMs:     120000,
		JitterBoundMs:    1000,
		AttemptTimeoutMs: 30000,
	}
}

func TestLookupSpecificity(t *testing.T) {
	def := model.RetryPolicy{MaxAttempts: 4}
	table := NewTable(def, []model.RetryPolicy{
		{Service: model.Wildcard, Channel: model.ChannelSMS, MaxAttempts: 6},
		{Service: "billing", Channel: model.Wildcard, MaxAttempts: 8},
		{Service: "billing", Channel: model.ChannelSMS, MaxAttempts: 10},
	})

	assert.Equal(t, 10, table.Lookup("billing", model.ChannelSMS).MaxAttempts)
	assert.Equal(t, 8, table.Lookup("billing", model.ChannelEmail).MaxAttempts)
	assert.Equal(t, 6, table.Lookup("onboarding", model.ChannelSMS).MaxAttempts)
	assert.Equal(t, 4, table.Lookup("onboarding", model.ChannelEmail).MaxAttempts)
}

func TestShouldRetry(t *testing.T) {
	table := NewTable(testPolicy(), nil)
	p := testPolicy()

	assert.True(t, table.ShouldRetry(p, 1))
	assert.True(t, table.ShouldRetry(p, 3))
	assert.False(t, table.ShouldRetry(p, 4))
	assert.False(t, table.ShouldRetry(p, 5))
}

func TestDelayBounds(t *testing.T) {
	p := testPolicy()

	// exponential steps: 3s, 6s, 12s, each plus up to 1s of jitter
	for attempt, base := range map[int]time.Duration{
		2: 3 * time.Second,
		3: 6 * time.Second,
		4: 12 * time.Second,
	} {
		for i := 0; i < 20; i++ {
			d := Delay(p, attempt)
			assert.GreaterOrEqual(t, d, base, "attempt %d", attempt)
			assert.Less(t, d, base+time.Second, "attempt %d", attempt)
		}
	}
}

func TestDelayCapped(t *testing.T) {
	p := testPolicy()
	p.JitterBoundMs = 0

	// 3s * 2^18 is far past the 120s ceiling
	assert.Equal(t, 120*time.Second, Delay(p, 20))
}

func TestDelayNoJitterIsDeterministic(t *testing.T) {
	p := testPolicy()
	p.JitterBoundMs = 0

	assert.Equal(t, 3*time.Second, Delay(p, 2))
	assert.Equal(t, Delay(p, 3), Delay(p, 3))
}

func TestAttemptContextDeadline(t *testing.T) {
	p := testPolicy()
	ctx, cancel := AttemptContext(context.Background(), p)
	defer cancel()

	deadline, ok := ctx.Deadline()
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), deadline, time.Second)

	p.AttemptTimeoutMs = 0
	ctx, cancel = AttemptContext(context.Background(), p)
	defer cancel()
	_, ok = ctx.Deadline()
	assert.False(t, ok)
}
