package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStream_ReceivesAllTopics(t *testing.T) {
	b := New(Options{StreamBuffer: 4})
	s := b.OpenStream()
	defer b.CloseStream(s)

	b.Publish("a", Payload{"v": 1})
	b.Publish("b", Payload{"v": 2})

	first := <-s.C
	second := <-s.C
	require.Equal(t, "a", first.Topic)
	require.Equal(t, "b", second.Topic)
}

func TestStream_TopicFilter(t *testing.T) {
	b := New(Options{StreamBuffer: 4})
	s := b.OpenStream("alert")
	defer b.CloseStream(s)

	b.Publish("sensor", Payload{"v": 1})
	b.Publish("alert", Payload{"id": "hot"})

	msg := <-s.C
	require.Equal(t, "alert", msg.Topic)
	require.Len(t, s.C, 0)
}

func TestStream_DropsNewestOnOverflow(t *testing.T) {
	b := New(Options{StreamBuffer: 2, MaxOverflows: 5})
	s := b.OpenStream()

	for i := 0; i < 4; i++ {
		b.Publish("t", Payload{"n": i})
	}

	// The two oldest messages are kept, the two newest were dropped.
	require.Equal(t, 0, (<-s.C).Payload["n"])
	require.Equal(t, 1, (<-s.C).Payload["n"])
	require.False(t, s.Closed())
	require.Equal(t, uint64(2), b.Stats().Dropped)

	// Draining resets the overflow streak.
	b.Publish("t", Payload{"n": 9})
	require.Equal(t, 9, (<-s.C).Payload["n"])
	b.CloseStream(s)
}

func TestStream_PersistentOverflowUnregisters(t *testing.T) {
	b := New(Options{StreamBuffer: 1, MaxOverflows: 3})
	s := b.OpenStream()

	b.Publish("t", Payload{"n": 0}) // fills the buffer
	for i := 1; i <= 3; i++ {
		b.Publish("t", Payload{"n": i})
	}

	require.True(t, s.Closed())
	require.Equal(t, 0, b.Stats().Streams)

	// Buffered message is still readable, then the channel is closed.
	msg, ok := <-s.C
	require.True(t, ok)
	require.Equal(t, 0, msg.Payload["n"])
	_, ok = <-s.C
	require.False(t, ok)

	// Publishing after unregistration is harmless.
	b.Publish("t", Payload{"n": 4})
}

func TestCloseStream_Idempotent(t *testing.T) {
	b := New(Options{})
	s := b.OpenStream()
	b.CloseStream(s)
	b.CloseStream(s)
	require.True(t, s.Closed())
}
