package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClock_AfterFiresOnAdvance(t *testing.T) {
	c := Fake(time.Unix(1000, 0))
	ch := c.After(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(1 * time.Second)
	select {
	case got := <-ch:
		require.Equal(t, time.Unix(1005, 0), got)
	default:
		t.Fatal("expected After to fire")
	}
}

func TestFakeClock_TickerReschedules(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	tk := c.NewTicker(10 * time.Second)
	defer tk.Stop()

	for i := 0; i < 3; i++ {
		c.Advance(10 * time.Second)
		select {
		case <-tk.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
	require.Equal(t, 1, c.Pending())

	tk.Stop()
	require.Equal(t, 0, c.Pending())
}

func TestFakeClock_WaitForTimers(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Minute)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestUnixRoundTrip(t *testing.T) {
	ts := time.Unix(1700000000, 250_000_000)
	require.InDelta(t, 1700000000.25, Unix(ts), 1e-6)
	require.WithinDuration(t, ts, FromUnix(Unix(ts)), time.Microsecond)
}
