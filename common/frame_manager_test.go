package common

import (
	"context"
	"testing"
	"time"

	"github.com/huanbee/gopuppet/log"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainFrameEvents(t *testing.T, ch chan Event, n int) []*Frame {
	t.Helper()
	frames := make([]*Frame, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			frames = append(frames, ev.data.(*Frame))
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	return frames
}

func TestFrameManagerFrameAttachedDetached(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fm, _ := newTestFrameManager(t, ctx)

	attached := make(chan Event, 10)
	fm.on(ctx, []string{EventFrameManagerFrameAttached}, attached)

	fm.frameAttached("frame_f1", testMainFrameID)
	fm.frameAttached("frame_f2", "frame_f1")
	fm.frameAttached("frame_f3", "frame_f1")
	require.Len(t, fm.Frames(), 4)

	// A duplicate attach for a known frame is ignored.
	fm.frameAttached("frame_f1", testMainFrameID)
	require.Len(t, fm.Frames(), 4)

	got := drainFrameEvents(t, attached, 3)
	require.Equal(t, "frame_f1", got[0].ID())

	// Every frame's parent chain terminates at the root.
	f3, ok := fm.FrameByID("frame_f3")
	require.True(t, ok)
	require.Equal(t, "frame_f1", f3.ParentFrame().ID())
	require.Equal(t, testMainFrameID, f3.ParentFrame().ParentFrame().ID())
	require.Nil(t, f3.ParentFrame().ParentFrame().ParentFrame())

	detached := make(chan Event, 10)
	fm.on(ctx, []string{EventFrameManagerFrameDetached}, detached)

	// Detaching a frame with 2 descendants produces exactly 3 notifications,
	// children before their parent.
	fm.frameDetached("frame_f1")
	gone := drainFrameEvents(t, detached, 3)
	ids := map[string]bool{}
	for _, f := range gone {
		ids[f.ID()] = true
		require.True(t, f.IsDetached())
	}
	require.Equal(t, map[string]bool{"frame_f1": true, "frame_f2": true, "frame_f3": true}, ids)
	require.Equal(t, "frame_f1", gone[2].ID(), "parent must be notified last")

	require.Len(t, fm.Frames(), 1)

	// Detaching an unknown frame is ignored.
	fm.frameDetached("frame_f1")
	require.Len(t, fm.Frames(), 1)
}

func TestFrameManagerOrphanAttachHeldUntilParent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fm, _ := newTestFrameManager(t, ctx)

	// The child arrives before its parent was ever observed.
	fm.frameAttached("frame_child", "frame_parent")
	require.Len(t, fm.Frames(), 1)
	_, ok := fm.FrameByID("frame_child")
	require.False(t, ok)

	// Once the parent attaches, the held child is inserted under it.
	fm.frameAttached("frame_parent", testMainFrameID)
	require.Len(t, fm.Frames(), 3)
	child, ok := fm.FrameByID("frame_child")
	require.True(t, ok)
	require.Equal(t, "frame_parent", child.ParentFrame().ID())
}

func TestFrameManagerFrameNavigatedUnknownFrame(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fm, _ := newTestFrameManager(t, ctx)

	err := fm.frameNavigated("frame_unknown", "frame_parent", "loader_x", "", "https://a.test/", false)
	require.ErrorIs(t, err, ErrInconsistentFrameTree)

	// The failure is contained; the rest of the tree is untouched.
	require.Len(t, fm.Frames(), 1)
	main, err := fm.MainFrame()
	require.NoError(t, err)
	require.False(t, main.IsDetached())
}

func TestFrameManagerMainFrameIdentityOnCrossProcessNavigation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fm, _ := newTestFrameManager(t, ctx)

	oldMain, err := fm.MainFrame()
	require.NoError(t, err)

	err = fm.frameNavigated("frame_id_new", "", "loader_new", "", "https://a.test/", false)
	require.NoError(t, err)

	newMain, err := fm.MainFrame()
	require.NoError(t, err)
	require.Same(t, oldMain, newMain, "frame identity must be retained")
	require.Equal(t, "frame_id_new", newMain.ID())
	require.Equal(t, "https://a.test/", newMain.URL())

	_, ok := fm.FrameByID(cdp.FrameID(testMainFrameID))
	require.False(t, ok, "old frame ID must be re-keyed")
}

func TestFrameManagerLifecycleResetOnNavigation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fm, _ := newTestFrameManager(t, ctx)
	main, err := fm.MainFrame()
	require.NoError(t, err)

	fm.frameLifecycleEvent(cdp.FrameID(main.ID()), LifecycleEventDOMContentLoad)
	fm.frameLifecycleEvent(cdp.FrameID(main.ID()), LifecycleEventLoad)
	require.True(t, main.hasLifecycleEventFired(LifecycleEventLoad))
	require.True(t, main.hasSubtreeLifecycleEventFired(LifecycleEventLoad))

	// Lifecycle sets only grow until the next navigation resets them.
	require.NoError(t,
		fm.frameNavigated(cdp.FrameID(main.ID()), "", "loader_2", "", "https://b.test/", false))
	require.False(t, main.hasLifecycleEventFired(LifecycleEventLoad))
	require.False(t, main.hasLifecycleEventFired(LifecycleEventDOMContentLoad))
}

func TestFrameManagerNavigatedWithinDocument(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fm, _ := newTestFrameManager(t, ctx)
	main, err := fm.MainFrame()
	require.NoError(t, err)

	navigated := make(chan Event, 1)
	main.on(ctx, []string{EventFrameNavigation}, navigated)

	fm.frameNavigatedWithinDocument(cdp.FrameID(main.ID()), "https://a.test/#anchor")
	require.Equal(t, "https://a.test/#anchor", main.URL())

	select {
	case ev := <-navigated:
		nav := ev.data.(*NavigationEvent)
		assert.Nil(t, nav.newDocument, "same-document navigation carries no new document")
		assert.Equal(t, "https://a.test/#anchor", nav.url)
	case <-time.After(time.Second):
		t.Fatal("no navigation event emitted")
	}
}

func TestFrameManagerExecutionContextLifetime(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fm, _ := newTestFrameManager(t, ctx)
	main, err := fm.MainFrame()
	require.NoError(t, err)

	_, err = fm.GetExecutionContext(main)
	require.ErrorIs(t, err, ErrNoExecutionContext)

	fm.onExecutionContextCreated(&runtime.ExecutionContextDescription{
		ID:      42,
		AuxData: easyjson.RawMessage(`{"frameId":"` + testMainFrameID + `","isDefault":true}`),
	})
	execCtx, err := fm.GetExecutionContext(main)
	require.NoError(t, err)
	require.Equal(t, runtime.ExecutionContextID(42), execCtx.ID())
	require.Same(t, main, execCtx.Frame())

	// A destroyed context must no longer be returned.
	fm.onExecutionContextDestroyed(42)
	_, err = fm.GetExecutionContext(main)
	require.ErrorIs(t, err, ErrNoExecutionContext)

	// Non-default contexts are not associated with the frame.
	fm.onExecutionContextCreated(&runtime.ExecutionContextDescription{
		ID:      43,
		AuxData: easyjson.RawMessage(`{"frameId":"` + testMainFrameID + `","isDefault":false}`),
	})
	_, err = fm.GetExecutionContext(main)
	require.ErrorIs(t, err, ErrNoExecutionContext)

	// A navigation invalidates the context association.
	fm.onExecutionContextCreated(&runtime.ExecutionContextDescription{
		ID:      44,
		AuxData: easyjson.RawMessage(`{"frameId":"` + testMainFrameID + `","isDefault":true}`),
	})
	_, err = fm.GetExecutionContext(main)
	require.NoError(t, err)
	require.NoError(t,
		fm.frameNavigated(cdp.FrameID(main.ID()), "", "loader_3", "", "https://c.test/", false))
	_, err = fm.GetExecutionContext(main)
	require.ErrorIs(t, err, ErrNoExecutionContext)
}

func TestFrameManagerNoMainFrame(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := newTestSession(ctx)
	sess.setExecHandler(func(method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
		// Leave the frame tree snapshot empty.
		return nil
	})
	fm, err := NewFrameManager(ctx, sess, NewTimeoutSettings(nil), log.NewNullLogger())
	require.NoError(t, err)

	_, err = fm.MainFrame()
	require.ErrorIs(t, err, ErrNoMainFrame)
}

func TestFrameManagerDispose(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fm, _ := newTestFrameManager(t, ctx)
	main, err := fm.MainFrame()
	require.NoError(t, err)

	// Arm the main frame's idle timer and leave an unresolvable orphan.
	require.NoError(t, fm.frameNavigated(
		cdp.FrameID(main.ID()), "", "loader_dispose", "", "https://a.test/", false))
	fm.frameAttached("frame_orphan", "frame_never_attached")

	fm.dispose()
	require.Empty(t, fm.pendingChildren)

	// The stopped timer must not mark the frame idle afterwards.
	require.Never(t, func() bool {
		return main.hasLifecycleEventFired(LifecycleEventNetworkIdle)
	}, 700*time.Millisecond, 50*time.Millisecond)
}

func TestFrameManagerEventsFromSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fm, sess := newTestFrameManager(t, ctx)

	sess.emit(cdproto.EventPageFrameAttached, &page.EventFrameAttached{
		FrameID:       "frame_sub",
		ParentFrameID: cdp.FrameID(testMainFrameID),
	})
	require.Eventually(t, func() bool {
		_, ok := fm.FrameByID("frame_sub")
		return ok
	}, time.Second, 10*time.Millisecond)

	sess.emit(cdproto.EventPageLifecycleEvent, &page.EventLifecycleEvent{
		FrameID: cdp.FrameID(testMainFrameID),
		Name:    "DOMContentLoaded",
	})
	main, err := fm.MainFrame()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return main.hasLifecycleEventFired(LifecycleEventDOMContentLoad)
	}, time.Second, 10*time.Millisecond)

	sess.emit(cdproto.EventPageFrameDetached, &page.EventFrameDetached{
		FrameID: "frame_sub",
	})
	require.Eventually(t, func() bool {
		_, ok := fm.FrameByID("frame_sub")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
