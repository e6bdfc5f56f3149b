// Package pacer aligns decoded video frame presentation with display
// vertical-blank events and bounds queue depth so a transient renderer
// stall cannot blow out end-to-end latency.
//
// Two queues sit between the decoder and the renderer: pacing (fed by
// Submit, drained by the vsync tick) and render (fed by the vsync tick
// or, when there is no vsync source, directly by Submit; drained by the
// render tick). Both are capped at MaxQueuedFrames; the oldest frame is
// dropped when a push would exceed the cap.
package pacer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamdeck/core/models"
	"github.com/streamdeck/core/pkg/logging"
)

const (
	// MaxQueuedFrames is the per-queue depth cap.
	MaxQueuedFrames = 4
	// TimerSlackMillis bounds the vsync wait slack.
	TimerSlackMillis = 3
)

// VsyncSource blocks until the next vertical-blank event fires, or ctx
// is cancelled. DisplayHz reports the display's current refresh rate.
type VsyncSource interface {
	Wait(ctx context.Context) error
	DisplayHz() float64
}

// Renderer accepts one frame at a time. Ready blocks until the renderer
// can accept the next frame (e.g. it waits on a swapchain fence).
// NoBuffering renderers use a fixed drop target of 1 instead of the
// rolling-history target.
type Renderer interface {
	Ready(ctx context.Context) error
	RenderFrame(models.Frame) error
	NoBuffering() bool
}

// releasable frame handles are freed outside the queue lock when
// dropped, matching the leaf-lock discipline the rest of the queue
// follows.
type releasable interface {
	Release()
}

// Stats accumulates pacer counters for diagnostics. PacerDropped counts
// frames dropped by Submit and the vsync tick; RenderDropped counts frames
// dropped from the render queue after a render. Once both queues are
// empty, Rendered + PacerDropped + RenderDropped == Submitted.
type Stats struct {
	Submitted    int64
	PacerDropped int64
	RenderDropped int64
	Rendered     int64
}

// Config tunes queue-depth and timing discipline.
type Config struct {
	MaxQueuedFrames int
	TimerSlackMs    int
}

func (c Config) withDefaults() Config {
	if c.MaxQueuedFrames <= 0 {
		c.MaxQueuedFrames = MaxQueuedFrames
	}
	if c.TimerSlackMs <= 0 {
		c.TimerSlackMs = TimerSlackMillis
	}
	return c
}

// Pacer owns the pacing/render queues and the goroutines draining them.
type Pacer struct {
	cfg Config

	mu   sync.Mutex
	cond *sync.Cond

	pacingQueue []models.Frame
	renderQueue []models.Frame

	vsync    VsyncSource
	renderer Renderer

	// streamFPS is the negotiated stream frame rate, used to decide
	// whether vsync should be disabled entirely (display-rate override)
	// and which frame-drop target discipline applies.
	streamFPS float64

	pacingHistory []int
	renderHistory []int

	stats Stats

	// onFrameReady is invoked when there is no vsync source and the
	// renderer does not support rendering off the main thread; it posts
	// a "frame ready" event the caller's main-thread event loop drains.
	onFrameReady func()
	mainThread   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log zerolog.Logger
}

// New constructs a Pacer. vsync may be nil (submits go straight to the
// render queue). If mainThread is true and vsync is nil, onFrameReady is
// invoked on every submit instead of a dedicated render goroutine being
// woken.
func New(cfg Config, streamFPS float64, vsync VsyncSource, renderer Renderer, mainThread bool, onFrameReady func()) *Pacer {
	cfg = cfg.withDefaults()

	// Display-rate override: if the stream significantly outruns the
	// display, vsync serialization would only add latency.
	if vsync != nil && streamFPS > vsync.DisplayHz()+5 {
		vsync = nil
	}

	p := &Pacer{
		cfg:          cfg,
		vsync:        vsync,
		renderer:     renderer,
		streamFPS:    streamFPS,
		onFrameReady: onFrameReady,
		mainThread:   mainThread,
		log:          logging.Component("pacer"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the vsync and/or render goroutines.
func (p *Pacer) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	if p.vsync != nil {
		p.wg.Add(1)
		go p.vsyncLoop()
	}
	if p.renderer != nil && (p.vsync != nil || !p.mainThread) {
		p.wg.Add(1)
		go p.renderLoop()
	}
}

// Stop halts both goroutines and releases any frames left queued.
func (p *Pacer) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	leftover := append(p.pacingQueue, p.renderQueue...)
	p.pacingQueue = nil
	p.renderQueue = nil
	p.mu.Unlock()
	releaseAll(leftover)
}

// Stats returns a snapshot of the pacer's counters.
func (p *Pacer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// QueueDepth returns the current combined pacing+render queue length,
// which must never exceed 2*MaxQueuedFrames.
func (p *Pacer) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pacingQueue) + len(p.renderQueue)
}

// Submit is called by the decoder thread with a newly decoded frame.
func (p *Pacer) Submit(frame models.Frame) {
	p.mu.Lock()
	p.stats.Submitted++

	if p.vsync != nil {
		dropped := pushCapped(&p.pacingQueue, frame, p.cfg.MaxQueuedFrames)
		p.stats.PacerDropped += int64(len(dropped))
		p.cond.Broadcast()
		p.mu.Unlock()
		releaseAll(dropped)
		return
	}

	dropped := pushCapped(&p.renderQueue, frame, p.cfg.MaxQueuedFrames)
	p.stats.PacerDropped += int64(len(dropped))
	wakeRender := p.renderer != nil && !p.mainThread
	postReady := p.mainThread && p.onFrameReady != nil
	if wakeRender {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	releaseAll(dropped)
	if postReady {
		p.onFrameReady()
	}
}

// pushCapped appends frame to *queue, dropping frames from the front
// (oldest first) until the cap is respected. It returns the dropped
// frames so the caller can release them outside the lock.
func pushCapped(queue *[]models.Frame, frame models.Frame, cap int) []models.Frame {
	var dropped []models.Frame
	for len(*queue) >= cap {
		dropped = append(dropped, (*queue)[0])
		*queue = (*queue)[1:]
	}
	*queue = append(*queue, frame)
	return dropped
}

func releaseAll(frames []models.Frame) {
	for _, f := range frames {
		if r, ok := f.Handle.(releasable); ok {
			r.Release()
		}
	}
}

func (p *Pacer) vsyncLoop() {
	defer p.wg.Done()
	for {
		if err := p.vsync.Wait(p.ctx); err != nil {
			return
		}
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		p.onVsyncTick()
	}
}

func (p *Pacer) onVsyncTick() {
	interval := time.Duration(float64(time.Second) / p.vsync.DisplayHz())

	p.mu.Lock()

	target := p.frameDropTarget()
	p.recordHistory(&p.pacingHistory, len(p.pacingQueue), historyWindow(p.vsync.DisplayHz()))
	dropped := dropFront(&p.pacingQueue, target)
	p.stats.PacerDropped += int64(len(dropped))

	if len(p.pacingQueue) == 0 {
		p.waitPacingNonEmptyLocked(interval - time.Duration(p.cfg.TimerSlackMs)*time.Millisecond)
	}

	var moved []models.Frame
	if len(p.pacingQueue) > 0 {
		frame := p.pacingQueue[0]
		p.pacingQueue = p.pacingQueue[1:]
		extra := pushCapped(&p.renderQueue, frame, p.cfg.MaxQueuedFrames)
		p.stats.PacerDropped += int64(len(extra))
		dropped = append(dropped, extra...)
		moved = append(moved, frame)
	}
	wakeRender := p.renderer != nil && len(moved) > 0
	postReady := p.mainThread && p.onFrameReady != nil && len(moved) > 0
	if wakeRender {
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	releaseAll(dropped)
	if postReady {
		p.onFrameReady()
	}
}

// waitPacingNonEmptyLocked waits, with mu held, for the pacing queue to
// receive a frame, for at most timeout (the time remaining until the
// next vsync tick minus TimerSlackMillis).
func (p *Pacer) waitPacingNonEmptyLocked(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	timer := time.AfterFunc(timeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	deadline := time.Now().Add(timeout)
	for len(p.pacingQueue) == 0 && time.Now().Before(deadline) {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		p.cond.Wait()
	}
}

// frameDropTarget must be called with mu held. The pacing queue uses a
// displayFps/2-length history, the render queue (see renderDropTarget)
// uses a maxVideoFps/2-length history, and the two must not be combined.
func (p *Pacer) frameDropTarget() int {
	if p.streamFPS <= p.vsync.DisplayHz() {
		return 1
	}
	for _, v := range p.pacingHistory {
		if v > 1 {
			return 1
		}
	}
	return 3
}

func (p *Pacer) renderLoop() {
	defer p.wg.Done()
	for {
		if err := p.renderer.Ready(p.ctx); err != nil {
			return
		}
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		p.renderTick()
	}
}

func (p *Pacer) renderTick() {
	p.mu.Lock()
	for len(p.renderQueue) == 0 {
		select {
		case <-p.ctx.Done():
			p.mu.Unlock()
			return
		default:
		}
		p.cond.Wait()
	}
	frame := p.renderQueue[0]
	p.renderQueue = p.renderQueue[1:]
	p.mu.Unlock()

	start := time.Now()
	if err := p.renderer.RenderFrame(frame); err != nil {
		p.log.Warn().Err(err).Msg("render frame failed")
	}
	elapsed := time.Since(start)

	p.mu.Lock()
	p.stats.Rendered++
	target := p.renderDropTarget()
	p.recordHistory(&p.renderHistory, len(p.renderQueue), historyWindow(p.streamFPS))
	dropped := dropFront(&p.renderQueue, target)
	p.stats.RenderDropped += int64(len(dropped))
	p.mu.Unlock()

	releaseAll(dropped)
	p.log.Debug().Dur("render_time", elapsed).Msg("frame rendered")
}

// renderDropTarget must be called with mu held.
func (p *Pacer) renderDropTarget() int {
	if p.renderer.NoBuffering() {
		return 1
	}
	for _, v := range p.renderHistory {
		if v > 1 {
			return 1
		}
	}
	return 3
}

func (p *Pacer) recordHistory(history *[]int, value, window int) {
	if window < 1 {
		window = 1
	}
	*history = append(*history, value)
	if len(*history) > window {
		*history = (*history)[len(*history)-window:]
	}
}

func historyWindow(fps float64) int {
	w := int(fps / 2)
	if w < 1 {
		return 1
	}
	return w
}

// dropFront drops frames from the front of *queue until its length is
// at most target, returning the dropped frames so the caller can
// release them outside the lock.
func dropFront(queue *[]models.Frame, target int) []models.Frame {
	var dropped []models.Frame
	for len(*queue) > target {
		dropped = append(dropped, (*queue)[0])
		*queue = (*queue)[1:]
	}
	return dropped
}
