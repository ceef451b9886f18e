package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential_DoublesUpToMax(t *testing.T) {
	b := &Exponential{Base: 100 * time.Millisecond, Max: time.Second}

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestExponential_BaseAboveMax(t *testing.T) {
	b := &Exponential{Base: 5 * time.Second, Max: time.Second}
	assert.Equal(t, time.Second, b.Next())
}

func TestSleep(t *testing.T) {
	assert.True(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
}
