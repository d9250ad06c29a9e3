package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSinkOneShotCompletesAfterFirstEmission(t *testing.T) {
	sink := NewSink(true)
	ch, unsub := sink.Subscribe()
	defer unsub()

	go sink.PushNext(map[string]any{"a": 1})

	select {
	case _, ok := <-ch:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	select {
	case <-sink.Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
	assert.True(t, sink.IsCompleted())
}

func TestSinkLongLivedDeliversMultipleValues(t *testing.T) {
	sink := NewSink(false)
	ch, unsub := sink.Subscribe()
	defer unsub()

	go sink.PushNext(map[string]any{"v": 1})
	first := <-ch
	assert.Equal(t, 1, first.Response["v"])

	go sink.PushNext(map[string]any{"v": 2})
	second := <-ch
	assert.Equal(t, 2, second.Response["v"])

	assert.False(t, sink.IsCompleted())
}

func TestSinkFansOutToMultipleSubscribers(t *testing.T) {
	sink := NewSink(false)
	chA, unsubA := sink.Subscribe()
	defer unsubA()
	chB, unsubB := sink.Subscribe()
	defer unsubB()

	go sink.PushNext(map[string]any{"tick": 1})

	// Delivery blocks on each subscriber in turn, in no fixed order, so
	// both channels are read together.
	var a, b Message
	for chA != nil || chB != nil {
		select {
		case a = <-chA:
			chA = nil
		case b = <-chB:
			chB = nil
		}
	}
	assert.Equal(t, 1, a.Response["tick"])
	assert.Equal(t, 1, b.Response["tick"])
}

func TestSinkSubscriberCountHookFiresOnZero(t *testing.T) {
	sink := NewSink(false)
	var counts []int
	sink.OnSubscriberCountChange(func(n int) { counts = append(counts, n) })

	_, unsubA := sink.Subscribe()
	_, unsubB := sink.Subscribe()
	unsubA()
	unsubB()

	require.Equal(t, []int{1, 2, 1, 0}, counts)
}

func TestSinkPushErrorCompletes(t *testing.T) {
	sink := NewSink(false)
	ch, unsub := sink.Subscribe()
	defer unsub()

	go sink.PushError(assertErr("boom"))

	msg := <-ch
	require.Error(t, msg.Err)
	select {
	case <-sink.Done():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
	assert.True(t, sink.IsCompleted())
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
