package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestMockClock_AdvanceFiresInDeadlineOrder(t *testing.T) {
	c := NewMockClock(epoch)

	var fired []string
	c.AfterFunc(20*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(30*time.Second, func() { fired = append(fired, "c") })

	c.Advance(25 * time.Second)

	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, epoch.Add(25*time.Second), c.Now())
	assert.Equal(t, 1, c.Pending())
}

func TestMockClock_CallbackSeesDeadlineTime(t *testing.T) {
	c := NewMockClock(epoch)

	var at time.Time
	c.AfterFunc(10*time.Second, func() { at = c.Now() })
	c.Advance(time.Minute)

	assert.Equal(t, epoch.Add(10*time.Second), at)
	assert.Equal(t, epoch.Add(time.Minute), c.Now())
}

func TestMockClock_TimerArmedDuringAdvanceFires(t *testing.T) {
	c := NewMockClock(epoch)

	count := 0
	c.AfterFunc(10*time.Second, func() {
		count++
		c.AfterFunc(10*time.Second, func() { count++ })
	})

	c.Advance(20 * time.Second)
	assert.Equal(t, 2, count)
}

func TestMockClock_Stop(t *testing.T) {
	c := NewMockClock(epoch)

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestMockClock_SetBackwards(t *testing.T) {
	c := NewMockClock(epoch)
	c.Set(epoch.Add(-time.Hour))
	assert.Equal(t, epoch.Add(-time.Hour), c.Now())
	assert.Equal(t, time.Hour, c.Since(epoch.Add(-2*time.Hour)))
}
