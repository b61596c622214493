package common

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/require"
)

func TestEventEmitterSpecificEvent(t *testing.T) {
	t.Parallel()

	t.Run("add event handler", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event)

		emitter.on(ctx, []string{cdproto.EventTargetTargetCreated}, ch)
		emitter.sync(func() {
			require.Len(t, emitter.handlers, 1)
			require.Contains(t, emitter.handlers, cdproto.EventTargetTargetCreated)
			require.Len(t, emitter.handlers[cdproto.EventTargetTargetCreated], 1)
			require.Equal(t, ch, emitter.handlers[cdproto.EventTargetTargetCreated][0].ch)
			require.Empty(t, emitter.handlersAll)
		})
	})

	t.Run("remove event handler", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		cancelCtx, cancelFn := context.WithCancel(ctx)
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event)

		emitter.on(cancelCtx, []string{cdproto.EventTargetTargetCreated}, ch)
		cancelFn()
		// Event handlers are removed as part of event emission.
		emitter.emit(cdproto.EventTargetTargetCreated, nil)

		emitter.sync(func() {
			require.Contains(t, emitter.handlers, cdproto.EventTargetTargetCreated)
			require.Len(t, emitter.handlers[cdproto.EventTargetTargetCreated], 0)
		})
	})

	t.Run("emit event", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event, 1)

		emitter.on(ctx, []string{cdproto.EventTargetTargetCreated}, ch)
		emitter.emit(cdproto.EventTargetTargetCreated, "hello world")
		msg := <-ch

		require.Equal(t, cdproto.EventTargetTargetCreated, msg.typ)
		require.Equal(t, "hello world", msg.data)
	})

	t.Run("events are delivered in emission order", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event, 100)

		emitter.on(ctx, []string{"count"}, ch)
		for i := 0; i < 100; i++ {
			emitter.emit("count", i)
		}
		for i := 0; i < 100; i++ {
			ev := <-ch
			require.Equal(t, i, ev.data)
		}
	})
}

func TestEventEmitterAllEvents(t *testing.T) {
	t.Parallel()

	t.Run("add catch-all event handler", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event)

		emitter.onAll(ctx, ch)

		emitter.sync(func() {
			require.Len(t, emitter.handlersAll, 1)
			require.Equal(t, ch, emitter.handlersAll[0].ch)
			require.Empty(t, emitter.handlers)
		})
	})

	t.Run("remove catch-all event handler", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		cancelCtx, cancelFn := context.WithCancel(ctx)
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event)

		emitter.onAll(cancelCtx, ch)
		cancelFn()
		// Event handlers are removed as part of event emission.
		emitter.emit(cdproto.EventTargetTargetCreated, nil)

		emitter.sync(func() {
			require.Len(t, emitter.handlersAll, 0)
		})
	})

	t.Run("emit event", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		emitter := NewBaseEventEmitter(ctx)
		ch := make(chan Event, 1)

		emitter.onAll(ctx, ch)
		emitter.emit(cdproto.EventTargetTargetCreated, "hello world")
		msg := <-ch

		require.Equal(t, cdproto.EventTargetTargetCreated, msg.typ)
		require.Equal(t, "hello world", msg.data)
	})
}
