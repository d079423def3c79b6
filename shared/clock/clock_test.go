package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFake_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := NewFake(start)

	short := fake.After(time.Second)
	long := fake.After(time.Minute)
	assert.Equal(t, 2, fake.Waiters())

	fake.Advance(2 * time.Second)

	select {
	case got := <-short:
		assert.Equal(t, start.Add(2*time.Second), got)
	default:
		t.Fatal("short waiter did not fire")
	}

	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}

	require.Equal(t, 1, fake.Waiters())
	fake.Advance(time.Minute)
	<-long
	assert.Equal(t, 0, fake.Waiters())
}

func TestFake_AfterNonPositive(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))

	select {
	case <-fake.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}

func TestReal_Now(t *testing.T) {
	before := time.Now()
	got := Real().Now()
	assert.False(t, got.Before(before))
}
