package pacer

import (
	"context"
	"testing"

	"github.com/streamdeck/core/models"
)

type fakeVsync struct {
	hz float64
}

func (f fakeVsync) Wait(ctx context.Context) error { return ctx.Err() }
func (f fakeVsync) DisplayHz() float64             { return f.hz }

type fakeRenderer struct {
	noBuffering bool
	rendered    []models.Frame
}

func (r *fakeRenderer) Ready(ctx context.Context) error { return ctx.Err() }
func (r *fakeRenderer) RenderFrame(f models.Frame) error {
	r.rendered = append(r.rendered, f)
	return nil
}
func (r *fakeRenderer) NoBuffering() bool { return r.noBuffering }

func frame(id int) models.Frame {
	return models.Frame{Handle: id, ArrivalMicros: int64(id)}
}

func TestSubmitWithoutVsyncDropsOldestWhenCapped(t *testing.T) {
	p := New(Config{MaxQueuedFrames: 4}, 60, nil, nil, true, nil)

	for i := 0; i < 6; i++ {
		p.Submit(frame(i))
	}

	p.mu.Lock()
	q := append([]models.Frame(nil), p.renderQueue...)
	p.mu.Unlock()

	if len(q) != 4 {
		t.Fatalf("render queue length = %d, want 4", len(q))
	}
	// Oldest frames (0, 1) must have been dropped; the just-submitted
	// frame (5) must be retained.
	if q[len(q)-1].Handle.(int) != 5 {
		t.Fatalf("last frame = %v, want 5 (just-submitted retained)", q[len(q)-1].Handle)
	}
	if q[0].Handle.(int) != 2 {
		t.Fatalf("oldest retained frame = %v, want 2", q[0].Handle)
	}

	stats := p.Stats()
	if stats.PacerDropped != 2 {
		t.Fatalf("PacerDropped = %d, want 2", stats.PacerDropped)
	}
}

func TestSubmitWithVsyncGoesToPacingQueue(t *testing.T) {
	p := New(Config{MaxQueuedFrames: 4}, 30, fakeVsync{hz: 60}, nil, false, nil)

	for i := 0; i < 3; i++ {
		p.Submit(frame(i))
	}

	p.mu.Lock()
	pacingLen := len(p.pacingQueue)
	renderLen := len(p.renderQueue)
	p.mu.Unlock()

	if pacingLen != 3 || renderLen != 0 {
		t.Fatalf("pacing=%d render=%d, want 3/0", pacingLen, renderLen)
	}
}

func TestVsyncDisabledWhenStreamFarExceedsDisplay(t *testing.T) {
	// streamFPS (120) > displayHz (60) + 5 -> vsync forcibly disabled.
	p := New(Config{MaxQueuedFrames: 4}, 120, fakeVsync{hz: 60}, nil, true, nil)
	if p.vsync != nil {
		t.Fatal("expected vsync to be disabled by the display-rate override")
	}
}

func TestOnVsyncTickMovesFrameToRenderQueue(t *testing.T) {
	renderer := &fakeRenderer{}
	p := New(Config{MaxQueuedFrames: 4}, 30, fakeVsync{hz: 60}, renderer, false, nil)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	defer p.cancel()

	p.Submit(frame(1))
	p.Submit(frame(2))

	p.onVsyncTick()

	p.mu.Lock()
	pacingLen := len(p.pacingQueue)
	renderLen := len(p.renderQueue)
	p.mu.Unlock()

	if renderLen != 1 {
		t.Fatalf("render queue length = %d, want 1", renderLen)
	}
	// streamFPS (30) <= displayHz (60) so the drop target is always 1;
	// the tick first trims pacing down to 1, then moves that frame to
	// the render queue, leaving pacing empty.
	if pacingLen != 0 {
		t.Fatalf("pacing queue length = %d, want 0", pacingLen)
	}
}

func TestFrameDropTargetLenientWhenPacingShallow(t *testing.T) {
	// streamFPS (62) > displayHz (60) but within the +5 override margin,
	// so vsync stays on and the history-based target applies.
	p := New(Config{MaxQueuedFrames: 4}, 62, fakeVsync{hz: 60}, nil, true, nil)
	p.pacingHistory = []int{0, 1, 1, 0, 1}
	if got := p.frameDropTarget(); got != 3 {
		t.Fatalf("frameDropTarget = %d, want 3 (lenient)", got)
	}
}

func TestFrameDropTargetStrictWhenPacingBacklogged(t *testing.T) {
	p := New(Config{MaxQueuedFrames: 4}, 62, fakeVsync{hz: 60}, nil, true, nil)
	p.pacingHistory = []int{0, 1, 2, 0, 1}
	if got := p.frameDropTarget(); got != 1 {
		t.Fatalf("frameDropTarget = %d, want 1 (strict)", got)
	}
}

func TestFrameDropTargetAlwaysOneWhenStreamAtOrBelowDisplay(t *testing.T) {
	p := New(Config{MaxQueuedFrames: 4}, 30, fakeVsync{hz: 60}, nil, true, nil)
	p.pacingHistory = []int{0, 0, 0}
	if got := p.frameDropTarget(); got != 1 {
		t.Fatalf("frameDropTarget = %d, want 1", got)
	}
}

func TestRenderDropTargetFixedForNoBufferingRenderer(t *testing.T) {
	renderer := &fakeRenderer{noBuffering: true}
	p := New(Config{MaxQueuedFrames: 4}, 60, nil, renderer, true, nil)
	p.renderHistory = []int{0, 0, 0}
	if got := p.renderDropTarget(); got != 1 {
		t.Fatalf("renderDropTarget = %d, want 1 for a NO_BUFFERING renderer", got)
	}
}

func TestDropFrontDropsOldestFirst(t *testing.T) {
	q := []models.Frame{frame(1), frame(2), frame(3), frame(4)}
	dropped := dropFront(&q, 2)
	if len(dropped) != 2 || dropped[0].Handle.(int) != 1 || dropped[1].Handle.(int) != 2 {
		t.Fatalf("dropped = %v, want [1 2]", dropped)
	}
	if len(q) != 2 || q[0].Handle.(int) != 3 {
		t.Fatalf("remaining queue = %v, want [3 4]", q)
	}
}

func TestQueueDepthNeverExceedsTwiceTheCap(t *testing.T) {
	p := New(Config{MaxQueuedFrames: 4}, 30, fakeVsync{hz: 60}, &fakeRenderer{}, false, nil)
	p.ctx, p.cancel = context.WithCancel(context.Background())
	defer p.cancel()

	for i := 0; i < 20; i++ {
		p.Submit(frame(i))
		p.onVsyncTick()
		if depth := p.QueueDepth(); depth > 2*MaxQueuedFrames {
			t.Fatalf("queue depth = %d, exceeds 2*MaxQueuedFrames", depth)
		}
	}
}
