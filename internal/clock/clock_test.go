package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClockNowAndAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := Fake(start)

	assert.Equal(t, start, c.Now())
	c.Advance(2 * time.Second)
	assert.Equal(t, start.Add(2*time.Second), c.Now())
}

func TestFakeClockAfter(t *testing.T) {
	c := Fake(time.Unix(0, 0))

	ch := c.After(3 * time.Second)
	require.Equal(t, 1, c.Pending())

	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, time.Unix(3, 0), fired)
	default:
		t.Fatal("waiter did not fire at its deadline")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClockAfterNonPositive(t *testing.T) {
	c := Fake(time.Unix(10, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestRealClock(t *testing.T) {
	c := Real()
	before := time.Now()
	assert.False(t, c.Now().Before(before))
	<-c.After(time.Millisecond)
}
