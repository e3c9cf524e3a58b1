package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/conductor/pkg/trace"
)

func evt(n int) trace.Event {
	return trace.Event{Type: trace.EventActionStart, Data: map[string]any{"line": n}}
}

func TestBus_DeliversInOrder(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var got []int
	b.Subscribe(func(e trace.Event) {
		mu.Lock()
		n, _ := e.Int("line")
		got = append(got, n)
		mu.Unlock()
	}, Options{})

	for i := 0; i < 10; i++ {
		b.Publish(evt(i))
	}
	b.Close()

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestBus_SlowSubscriberNeverBlocksPublisher(t *testing.T) {
	b := New(nil)
	release := make(chan struct{})
	sub := b.Subscribe(func(trace.Event) { <-release }, Options{Buffer: 2})

	start := time.Now()
	for i := 0; i < 100; i++ {
		b.Publish(evt(i))
	}
	assert.Less(t, time.Since(start), time.Second, "publisher stalled")
	assert.GreaterOrEqual(t, sub.Dropped(), int64(97))

	close(release)
	b.Close()
}

func TestBus_DropPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy Policy
		want   []int
	}{
		{DropNewest, []int{0, 1, 2}},
		{DropOldest, []int{0, 3, 4}},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			b := New(nil)
			started := make(chan struct{})
			release := make(chan struct{})
			var got []int
			first := true
			b.Subscribe(func(e trace.Event) {
				if first {
					first = false
					close(started)
					<-release
				}
				n, _ := e.Int("line")
				got = append(got, n)
			}, Options{Buffer: 2, Policy: tc.policy})

			b.Publish(evt(0))
			<-started // event 0 is being handled, queue empty
			for i := 1; i < 5; i++ {
				b.Publish(evt(i))
			}
			close(release)
			b.Close()
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBus_TypeFilterAndUnsubscribe(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var types []trace.EventType
	sub := b.Subscribe(func(e trace.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	}, Options{Types: []trace.EventType{trace.EventFailure}})

	b.Publish(evt(1))
	b.Publish(trace.Event{Type: trace.EventFailure})
	sub.Unsubscribe()
	b.Publish(trace.Event{Type: trace.EventFailure})
	b.Close()

	require.Len(t, types, 1)
	assert.Equal(t, trace.EventFailure, types[0])
}

func TestBus_PanickingSubscriberKeepsReceiving(t *testing.T) {
	b := New(nil)
	count := 0
	b.Subscribe(func(e trace.Event) {
		count++
		if count == 1 {
			panic("boom")
		}
	}, Options{})
	b.Publish(evt(1))
	b.Publish(evt(2))
	b.Close()
	assert.Equal(t, 2, count)
}
