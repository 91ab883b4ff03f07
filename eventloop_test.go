package gotov8

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerOrdering(t *testing.T) {
	l := newEventLoop()
	late := l.addTimer(20*time.Millisecond, false, nil, nil)
	first := l.addTimer(0, false, nil, nil)
	second := l.addTimer(0, false, nil, nil)

	now := time.Now().Add(time.Second)
	var fired []int32
	for tm := l.popDue(now); tm != nil; tm = l.popDue(now) {
		fired = append(fired, tm.id)
	}
	assert.Equal(t, []int32{first, second, late}, fired)
	assert.True(t, l.idle())
}

func TestTimerNotDue(t *testing.T) {
	l := newEventLoop()
	l.addTimer(time.Hour, false, nil, nil)

	assert.Nil(t, l.popDue(time.Now()))
	wait, ok := l.untilNext()
	require.True(t, ok)
	assert.Greater(t, wait, 59*time.Minute)
	assert.False(t, l.idle())
}

func TestClearTimer(t *testing.T) {
	l := newEventLoop()
	a := l.addTimer(0, false, nil, nil)
	b := l.addTimer(0, false, nil, nil)
	l.clearTimer(a)
	l.clearTimer(a)
	l.clearTimer(999)

	tm := l.popDue(time.Now().Add(time.Second))
	require.NotNil(t, tm)
	assert.Equal(t, b, tm.id)
	assert.Nil(t, l.popDue(time.Now().Add(time.Second)))
}

func TestIntervalReschedules(t *testing.T) {
	l := newEventLoop()
	id := l.addTimer(0, true, nil, nil)

	now := time.Now()
	tm := l.popDue(now)
	require.NotNil(t, tm)
	assert.Equal(t, id, tm.id)
	assert.Nil(t, l.popDue(now), "an interval fires once per pass")

	tm = l.popDue(now.Add(minInterval))
	require.NotNil(t, tm)
	assert.Equal(t, id, tm.id)

	l.clearTimer(id)
	assert.True(t, l.idle())
}

func TestHoldKeepsLoopBusy(t *testing.T) {
	l := newEventLoop()
	assert.True(t, l.idle())
	l.hold()
	assert.False(t, l.idle())
	l.release()
	assert.True(t, l.idle())
	l.release()
	assert.True(t, l.idle(), "extra releases do not underflow")
}

func TestPostAfterClose(t *testing.T) {
	l := newEventLoop()
	require.True(t, l.post(func(*scope) {}))
	assert.False(t, l.idle())
	assert.Len(t, l.takeTasks(), 1)

	l.addTimer(0, false, nil, nil)
	l.close()
	assert.False(t, l.post(func(*scope) {}))
	assert.Equal(t, int32(0), l.addTimer(0, false, nil, nil))
	assert.True(t, l.idle())
}
