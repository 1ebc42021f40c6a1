package hooks

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/tradesim/internal/logging"
)

func testManager() *Manager {
	return NewManager(logging.New(nil, "silent"))
}

func TestManager_EmitInOrderWithData(t *testing.T) {
	m := testManager()

	var order []string
	var got Payload
	m.On(EventAgentCreated, "first", func(_ context.Context, p Payload) error {
		order = append(order, "first")
		got = p
		return nil
	})
	m.On(EventAgentCreated, "second", func(_ context.Context, _ Payload) error {
		order = append(order, "second")
		return nil
	})

	m.Emit(context.Background(), EventAgentCreated, map[string]any{"agentId": "a1", "name": "Trader1"})

	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, EventAgentCreated, got.Event)
	assert.Equal(t, "Trader1", got.Str("name"))
	assert.Equal(t, "", got.Str("missing"))
	assert.WithinDuration(t, time.Now(), got.At, time.Second)
}

func TestManager_HandlerErrorDoesNotStopOthers(t *testing.T) {
	m := testManager()

	var secondCalled bool
	m.On(EventAgentDegraded, "failing", func(_ context.Context, _ Payload) error {
		return errors.New("handler broke")
	})
	m.On(EventAgentDegraded, "second", func(_ context.Context, _ Payload) error {
		secondCalled = true
		return nil
	})

	m.Emit(context.Background(), EventAgentDegraded, nil)
	assert.True(t, secondCalled)
}

func TestManager_HandlerPanicIsContained(t *testing.T) {
	m := testManager()
	var ran atomic.Bool
	m.On(EventAgentDegraded, "boom", func(context.Context, Payload) error { panic("boom") })
	m.On(EventAgentDegraded, "after", func(context.Context, Payload) error {
		ran.Store(true)
		return nil
	})

	assert.NotPanics(t, func() { m.Emit(context.Background(), EventAgentDegraded, nil) })
	assert.True(t, ran.Load())

	ran.Store(false)
	m.EmitAsync(context.Background(), EventAgentDegraded, nil)
	assert.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
}

func TestManager_NilIsNoop(t *testing.T) {
	var m *Manager
	m.Emit(context.Background(), EventAgentStarted, nil)
	m.EmitAsync(context.Background(), EventAgentStarted, nil)
	m.Off(EventAgentStarted, "any")
}

func TestManager_Off(t *testing.T) {
	m := testManager()

	var removed, kept int
	m.On(EventAgentStopped, "remove-me", func(_ context.Context, _ Payload) error { removed++; return nil })
	m.On(EventAgentStopped, "keep-me", func(_ context.Context, _ Payload) error { kept++; return nil })

	m.Off(EventAgentStopped, "remove-me")
	m.Emit(context.Background(), EventAgentStopped, nil)
	assert.Equal(t, 0, removed)
	assert.Equal(t, 1, kept)

	m.Off(EventAgentStopped, "keep-me")
	assert.Empty(t, m.Events())
}

func TestManager_OnEach(t *testing.T) {
	m := testManager()
	var calls atomic.Int32
	m.OnEach(AllEvents, "all", func(_ context.Context, _ Payload) error {
		calls.Add(1)
		return nil
	})

	for _, e := range AllEvents {
		m.Emit(context.Background(), e, nil)
	}
	assert.Equal(t, int32(len(AllEvents)), calls.Load())
	assert.ElementsMatch(t, AllEvents, m.Events())
	assert.True(t, slices.IsSorted(m.Events()))
}

func TestManager_EmitAsync_SurvivesCancel(t *testing.T) {
	m := testManager()

	done := make(chan error, 1)
	m.On(EventAgentDeleted, "async", func(ctx context.Context, _ Payload) error {
		time.Sleep(20 * time.Millisecond)
		done <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.EmitAsync(ctx, EventAgentDeleted, nil)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "handler context is detached from the emitter")
	case <-time.After(2 * time.Second):
		t.Fatal("async handler did not complete in time")
	}
}

func TestAllEvents(t *testing.T) {
	require.NotEmpty(t, AllEvents)
	assert.Contains(t, AllEvents, EventAgentDegraded)
	assert.Contains(t, AllEvents, EventFleetBootstrapped)
}
