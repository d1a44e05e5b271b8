package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayBucket(t *testing.T) {
	tests := []struct {
		delay time.Duration
		want  time.Duration
	}{
		{delay: time.Millisecond, want: 250 * time.Millisecond},
		{delay: 250 * time.Millisecond, want: 250 * time.Millisecond},
		{delay: time.Second, want: time.Second},
		{delay: 2 * time.Second, want: 2 * time.Second},
		{delay: 3 * time.Second, want: 2 * time.Second},
		{delay: 8 * time.Second, want: 8 * time.Second},
		{delay: 90 * time.Second, want: 64 * time.Second},
		{delay: 7 * 24 * time.Hour, want: maxDelayBucket},
		{delay: 1 << 62, want: maxDelayBucket},
	}

	for _, tt := range tests {
		t.Run(tt.delay.String(), func(t *testing.T) {
			got := delayBucket(tt.delay)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, got, max(tt.delay, minDelayBucket), "a bucket never waits longer than asked beyond the minimum")
		})
	}
}

func TestDelayBucket_BoundedQueueCount(t *testing.T) {
	seen := map[time.Duration]bool{}
	for d := time.Millisecond; d <= 7*24*time.Hour; d = d*3/2 + time.Millisecond {
		seen[delayBucket(d)] = true
	}
	assert.LessOrEqual(t, len(seen), 22)
}

func TestExponentialRetriesLandOnExactBuckets(t *testing.T) {
	for _, d := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second} {
		assert.Equal(t, d, delayBucket(d))
	}
}

func TestDelayQueueDeclaration(t *testing.T) {
	name := delayQueueName("dispatch.session.worker-a", delayBucket(3*time.Second))
	assert.Equal(t, "dispatch.session.worker-a.delay.2000", name)

	args := delayQueueArgs("dispatch.jobs", "session.worker-a", 2*time.Second)
	assert.Equal(t, int64(2000), args["x-message-ttl"])
	assert.Equal(t, "dispatch.jobs", args["x-dead-letter-exchange"])
	assert.Equal(t, "session.worker-a", args["x-dead-letter-routing-key"])
	assert.NotContains(t, args, "x-expires")
}

func TestJobQueueDeclaration(t *testing.T) {
	args := jobQueueArgs()
	assert.Equal(t, int32(MaxPriority+1), args["x-max-priority"])
}
