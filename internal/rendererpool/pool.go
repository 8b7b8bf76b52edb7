// Package rendererpool implements the renderer pool (C5): per-pixel-ratio
// pools of renderer handles with bounded checkout and worker-thread
// pinning, adapted from the teacher's generic worker.Pool task/result
// channel discipline to the FFI handle-affinity requirements of §4.4/§4.5.
package rendererpool

import (
	"context"
	"image"
	"log/slog"
	"runtime"
	"time"

	"github.com/MeKo-Tech/tileserver/internal/errorkind"
	"github.com/MeKo-Tech/tileserver/internal/renderer"
)

// Encoder turns a rendered image into response bytes for a given format
// (png/jpg/webp); supplied by the raster pipeline (C6) so this package
// stays free of image-codec concerns.
type Encoder func(img image.Image, format string) ([]byte, error)

// Job is one unit of render work submitted to a worker thread.
type Job struct {
	StyleID string
	Style   map[string]any
	Camera  renderer.Camera
	Format  string

	// Width/Height are the requested output raster's pixel dimensions,
	// already scaled by the request's pixel ratio (e.g. 512*scale for a
	// raster tile, W*scale x H*scale for a static image) — the §3 RenderJob
	// "size" field. The worker resizes its renderer.Handle's surface to
	// match before rendering so the response's decoded dimensions are
	// exactly (Width, Height).
	Width, Height int

	// RequestID correlates a job with the HTTP request that issued it in
	// logs/diagnostics; empty when the caller doesn't care to trace it.
	RequestID string
}

type renderJob struct {
	job   Job
	respC chan renderResponse
}

type renderResponse struct {
	bytes []byte
	err   error
}

// Config sizes one pixel-ratio pool.
type Config struct {
	PixelRatio       int
	Workers          int // default min(NumCPU, 4)
	QueueDepth       int // default 2*Workers
	HandleSize       int // width/height in pixels for the headless surface
	CheckoutDeadline time.Duration
}

// Pool runs a fixed set of OS-thread-pinned workers, each owning exactly
// one renderer.Handle for its lifetime, matching the "worker threads, not
// task-level parallelism" design decision in §4.5.
type Pool struct {
	pixelRatio int
	queue      chan renderJob
	deadline   time.Duration
	cancel     context.CancelFunc
	encode     Encoder
}

// New starts cfg.Workers dedicated OS threads, each initializing its own
// renderer.Handle, and returns a Pool that dispatches to them via a
// bounded queue.
func New(cfg Config, encode Encoder) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = minInt(runtime.NumCPU(), 4)
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 2 * workers
	}
	deadline := cfg.CheckoutDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		pixelRatio: cfg.PixelRatio,
		queue:      make(chan renderJob, depth),
		deadline:   deadline,
		cancel:     cancel,
		encode:     encode,
	}

	for i := 0; i < workers; i++ {
		go p.workerLoop(ctx, cfg.HandleSize)
	}

	return p
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// workerLoop locks its goroutine to one OS thread for its entire lifetime
// (the event-loop-affinity requirement in §4.4/DESIGN NOTES) and owns a
// single renderer.Handle, replacing it whenever it becomes poisoned.
func (p *Pool) workerLoop(ctx context.Context, handleSize int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	handle, err := renderer.NewHandle(handleSize, handleSize)
	if err != nil {
		p.drainWithFatal(ctx, err)
		return
	}
	defer handle.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case rj := <-p.queue:
			handle = p.runOne(ctx, handle, handleSize, rj)
			if handle == nil {
				return
			}
		}
	}
}

// runOne executes rj against handle, replacing the handle if it has become
// poisoned (§4.5). Returns nil when a replacement could not be created,
// signaling the worker loop to exit.
func (p *Pool) runOne(ctx context.Context, handle *renderer.Handle, handleSize int, rj renderJob) *renderer.Handle {
	resp := renderResponse{}

	if err := handle.LoadStyle(rj.job.StyleID, rj.job.Style); err != nil {
		resp.err = err
	} else if img, err := handle.RenderStill(rj.job.Camera, rj.job.Width, rj.job.Height); err != nil {
		resp.err = err
	} else if bytes, err := p.encode(img, rj.job.Format); err != nil {
		resp.err = errorkind.Wrap(renderer.RenderFailedKind, "encoding rendered image", err)
	} else {
		resp.bytes = bytes
	}

	rj.respC <- resp

	if handle.Poisoned() {
		handle.Close()
		replacement, err := renderer.NewHandle(handleSize, handleSize)
		if err != nil {
			p.drainWithFatal(ctx, err)
			return nil
		}
		return replacement
	}
	return handle
}

func (p *Pool) drainWithFatal(ctx context.Context, cause error) {
	for {
		select {
		case <-ctx.Done():
			return
		case rj := <-p.queue:
			rj.respC <- renderResponse{err: errorkind.Wrap(errorkind.Fatal, "renderer worker failed to start", cause)}
		}
	}
}

// Submit enqueues a job and blocks until it completes, the pool's deadline
// elapses (→ errorkind.Timeout), or ctx is cancelled. Queue-full is
// reported as errorkind.Overload, matching §5's 503/Retry-After contract.
func (p *Pool) Submit(ctx context.Context, job Job) ([]byte, error) {
	respC := make(chan renderResponse, 1)
	rj := renderJob{job: job, respC: respC}

	select {
	case p.queue <- rj:
	default:
		slog.Warn("renderer pool queue full", "request_id", job.RequestID, "pixel_ratio", p.pixelRatio)
		return nil, errorkind.New(errorkind.Overload, "renderer pool queue full")
	}

	deadline := time.NewTimer(p.deadline)
	defer deadline.Stop()

	select {
	case resp := <-respC:
		return resp.bytes, resp.err
	case <-deadline.C:
		slog.Warn("renderer pool deadline exceeded", "request_id", job.RequestID, "pixel_ratio", p.pixelRatio)
		return nil, errorkind.New(errorkind.Timeout, "renderer pool checkout/render deadline exceeded")
	case <-ctx.Done():
		return nil, errorkind.Wrap(errorkind.Timeout, "request cancelled", ctx.Err())
	}
}

// Close stops all workers. In-flight jobs are abandoned; their submitters
// observe the ctx/deadline path.
func (p *Pool) Close() { p.cancel() }

// PixelRatio returns the pixel ratio this pool was configured for.
func (p *Pool) PixelRatio() int { return p.pixelRatio }

// Manager maps pixel ratios {1,2,3,4} (clamped) to their Pool.
type Manager struct {
	pools map[int]*Pool
}

// NewManager builds one Pool per pixel ratio in configs.
func NewManager(configs []Config, encode Encoder) *Manager {
	m := &Manager{pools: make(map[int]*Pool, len(configs))}
	for _, cfg := range configs {
		m.pools[cfg.PixelRatio] = New(cfg, encode)
	}
	return m
}

// For returns the pool for the given pixel ratio, clamping down to the
// nearest configured ratio the way §3's RendererPool data model requires.
func (m *Manager) For(pixelRatio int) *Pool {
	if p, ok := m.pools[pixelRatio]; ok {
		return p
	}
	best := 1
	for ratio := range m.pools {
		if ratio <= pixelRatio && ratio > best {
			best = ratio
		}
	}
	return m.pools[best]
}

// Close shuts down every pixel-ratio pool.
func (m *Manager) Close() {
	for _, p := range m.pools {
		p.Close()
	}
}
