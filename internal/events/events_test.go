package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusOrderedDelivery(t *testing.T) {
	bus := NewBus()
	var got []Type
	bus.Subscribe(func(e Event) {
		got = append(got, e.Type)
		if e.Type == AgentHandoff {
			// nested publish is delivered after the current event
			bus.Publish(New(AgentInitialized, nil))
		}
	})
	bus.Subscribe(func(e Event) {
		got = append(got, "second:"+e.Type)
	})

	bus.Publish(New(AgentHandoff, map[string]any{"from": "g", "to": "m"}))

	require.Equal(t, []Type{
		AgentHandoff, "second:" + AgentHandoff,
		AgentInitialized, "second:" + AgentInitialized,
	}, got)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	rec := &Recorder{}
	unsubscribe := bus.Subscribe(rec.Handle)

	bus.Publish(New(Transcript, nil))
	unsubscribe()
	bus.Publish(New(Transcript, nil))

	require.Len(t, rec.Events(), 1)
	require.False(t, rec.Events()[0].Time.IsZero())
}

func TestBusConcurrentPublish(t *testing.T) {
	bus := NewBus()
	rec := &Recorder{}
	bus.Subscribe(rec.Handle)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(New(StateChanged, nil))
		}()
	}
	wg.Wait()

	require.Len(t, rec.OfType(StateChanged), 20)
}

func TestEventString(t *testing.T) {
	e := New(AgentHandoff, map[string]any{"from": "g", "n": 1})
	require.Equal(t, "g", e.String("from"))
	require.Equal(t, "", e.String("n"))
}
