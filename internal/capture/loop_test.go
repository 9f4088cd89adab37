package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hojjatabdollahi/snappea-sub000/internal/framesource"
	"github.com/hojjatabdollahi/snappea-sub000/internal/pts"
)

// memHandle is a compositor buffer backed by a duplicated memfd, so the fake
// session can write "captured" pixels into it.
type memHandle struct {
	id uint32
	fd int
}

func (h *memHandle) ObjectID() uint32 { return h.id }
func (h *memHandle) Destroy() error   { return unix.Close(h.fd) }

type memExporter struct {
	mu      sync.Mutex
	next    uint32
	handles map[uint32]*memHandle
}

func (e *memExporter) ExportSHM(fd int, size int, spec framesource.Spec) (framesource.Handle, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	h := &memHandle{id: e.next, fd: dup}
	if e.handles == nil {
		e.handles = make(map[uint32]*memHandle)
	}
	e.handles[h.id] = h
	return h, nil
}

func (e *memExporter) ExportDMABuf(framesource.DMABufPlane, framesource.Spec) (framesource.Handle, error) {
	return nil, framesource.ErrDMABufUnsupported
}

type fakeSession struct {
	spec          framesource.Spec
	exporter      *memExporter
	captures      int
	failFirst     int  // fail this many captures, then succeed
	failAlways    bool // every capture fails
	hangNegotiate bool
	closed        bool
}

func (s *fakeSession) Negotiate(ctx context.Context) (framesource.Formats, error) {
	if s.hangNegotiate {
		<-ctx.Done()
		return framesource.Formats{}, ctx.Err()
	}
	return framesource.Formats{SHM: s.spec}, nil
}

func (s *fakeSession) Capture(ctx context.Context, buf *framesource.Buffer) (FrameInfo, error) {
	s.captures++
	if s.failAlways || s.captures <= s.failFirst {
		return FrameInfo{}, errors.New("synthetic capture failure")
	}
	h := buf.Handle.(*memHandle)
	// XRGB8888 pixels stored B, G, R, X.
	px := bytes.Repeat([]byte{1, 2, 3, 4}, int(buf.Width))
	for y := 0; y < int(buf.Height); y++ {
		if _, err := unix.Pwrite(h.fd, px, int64(y)*int64(buf.Stride)); err != nil {
			return FrameInfo{}, err
		}
	}
	return FrameInfo{}, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeCompositor struct {
	session *fakeSession
	outputs []string
	closed  bool
	sources []*framesource.SHMSource
}

func (c *fakeCompositor) OpenSession(name string) (Session, error) {
	for _, out := range c.outputs {
		if out == name {
			return c.session, nil
		}
	}
	return nil, errors.New("output not found: " + name)
}

func (c *fakeCompositor) NewFrameSource() (framesource.FrameSource, error) {
	src := framesource.NewSHM(c.session.exporter)
	c.sources = append(c.sources, src)
	return src, nil
}

func (c *fakeCompositor) Close() error {
	c.closed = true
	return nil
}

type fakeEncoder struct {
	path       string
	width      int
	height     int
	pushes     int
	failPushes int
	timestamps []time.Duration
	firstPixel []byte
	finished   int
	onPush     func(n int)
}

func (e *fakeEncoder) PushFrame(data []byte, ts, duration time.Duration) error {
	if e.pushes < e.failPushes {
		e.pushes++
		return errors.New("synthetic push failure")
	}
	e.pushes++
	e.timestamps = append(e.timestamps, ts)
	if e.firstPixel == nil {
		e.firstPixel = append([]byte(nil), data[:4]...)
	}
	if e.onPush != nil {
		e.onPush(len(e.timestamps))
	}
	return nil
}

func (e *fakeEncoder) Finish() error {
	e.finished++
	if e.path != "" {
		return os.WriteFile(e.path, []byte("mp4"), 0o644)
	}
	return nil
}

type harness struct {
	comp    *fakeCompositor
	enc     *fakeEncoder
	encoded int
}

func newHarness(width, height uint32) *harness {
	return &harness{
		comp: &fakeCompositor{
			outputs: []string{"DP-1"},
			session: &fakeSession{
				spec:     framesource.Spec{Format: framesource.FormatXRGB8888, Width: width, Height: height},
				exporter: &memExporter{},
			},
		},
		enc: &fakeEncoder{},
	}
}

func (h *harness) deps() Dependencies {
	return Dependencies{
		Connect: func(ctx context.Context) (Compositor, error) { return h.comp, nil },
		NewEncoder: func(width, height int) (Encoder, error) {
			h.encoded++
			h.enc.width, h.enc.height = width, height
			return h.enc, nil
		},
	}
}

func newTestLoop(t *testing.T, stop context.Context, cfg Config, deps Dependencies) *Loop {
	t.Helper()
	l, err := NewLoop(stop, cfg, deps)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	l.sleep = func(context.Context, time.Duration) {}
	return l
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestLoop_NinetyFrames(t *testing.T) {
	logs := captureLogs(t)
	output := filepath.Join(t.TempDir(), "out.mp4")

	h := newHarness(640, 480)
	h.enc.path = output
	stop, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.enc.onPush = func(n int) {
		if n == 90 {
			cancel()
		}
	}

	loop := newTestLoop(t, stop, Config{OutputName: "DP-1", OutputPath: output, Framerate: 30}, h.deps())
	result, err := loop.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Frames != 90 {
		t.Errorf("frames = %d, want 90", result.Frames)
	}
	if result.Reason != ReasonStopRequested {
		t.Errorf("reason = %s, want stop_requested", result.Reason)
	}
	if h.enc.finished != 1 {
		t.Errorf("Finish called %d times, want 1", h.enc.finished)
	}
	if _, err := os.Stat(output); err != nil {
		t.Errorf("output file: %v", err)
	}
	if h.enc.width != 640 || h.enc.height != 480 {
		t.Errorf("pipeline built for %dx%d, want 640x480", h.enc.width, h.enc.height)
	}
	if !bytes.Equal(h.enc.firstPixel, []byte{3, 2, 1, 4}) {
		t.Errorf("first pixel = %v, want RGBx [3 2 1 4]", h.enc.firstPixel)
	}
	for n, ts := range h.enc.timestamps {
		if want := pts.FrameTimestamp(uint64(n), 30); ts != want {
			t.Fatalf("frame %d pts = %d, want %d", n, ts, want)
		}
	}
	if loop.State() != StateStopped {
		t.Errorf("state = %s, want stopped", loop.State())
	}
	if !h.comp.closed || !h.comp.session.closed {
		t.Error("compositor and session must be closed")
	}

	if got := loggedFrames(t, logs, "capture: recording finished"); got != 90 {
		t.Errorf("logged frame count = %d, want 90", got)
	}
}

func loggedFrames(t *testing.T, logs *bytes.Buffer, msg string) int {
	t.Helper()
	for _, line := range bytes.Split(logs.Bytes(), []byte("\n")) {
		var rec struct {
			Msg    string `json:"msg"`
			Frames int    `json:"frames"`
		}
		if json.Unmarshal(line, &rec) == nil && rec.Msg == msg {
			return rec.Frames
		}
	}
	t.Fatalf("no %q log record", msg)
	return 0
}

func TestLoop_ErrorCeiling(t *testing.T) {
	h := newHarness(32, 16)
	h.comp.session.failAlways = true

	loop := newTestLoop(t, context.Background(), Config{OutputName: "DP-1", Framerate: 30}, h.deps())
	result, err := loop.Run()

	var loopErr *Error
	if !errors.As(err, &loopErr) || loopErr.Phase != PhaseSteadyState {
		t.Fatalf("expected steady-state *Error, got %v", err)
	}
	if !errors.Is(err, ErrTooManyFailures) {
		t.Errorf("expected ErrTooManyFailures, got %v", err)
	}
	if h.comp.session.captures != 10 {
		t.Errorf("captures attempted = %d, want 10", h.comp.session.captures)
	}
	if result.Failures != 10 || result.Frames != 0 {
		t.Errorf("result = %+v", result)
	}
	if result.Reason != ReasonErrorCeiling {
		t.Errorf("reason = %s", result.Reason)
	}
	if h.enc.finished != 1 {
		t.Errorf("Finish called %d times, want 1", h.enc.finished)
	}
}

func TestLoop_NineFailuresKeepRunning(t *testing.T) {
	h := newHarness(32, 16)
	h.comp.session.failFirst = 9

	stop, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.enc.onPush = func(n int) {
		if n == 5 {
			cancel()
		}
	}

	loop := newTestLoop(t, stop, Config{OutputName: "DP-1", Framerate: 30}, h.deps())
	result, err := loop.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Failures != 9 || result.Frames != 5 {
		t.Errorf("failures=%d frames=%d, want 9/5", result.Failures, result.Frames)
	}
	if h.enc.timestamps[0] != 0 {
		t.Errorf("first pushed frame pts = %d, want 0", h.enc.timestamps[0])
	}
	if h.enc.finished != 1 {
		t.Errorf("Finish called %d times, want 1", h.enc.finished)
	}
}

func TestLoop_PushFailuresCount(t *testing.T) {
	h := newHarness(32, 16)
	h.enc.failPushes = 10

	loop := newTestLoop(t, context.Background(), Config{OutputName: "DP-1", Framerate: 30}, h.deps())
	result, err := loop.Run()
	if !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("expected ErrTooManyFailures, got %v", err)
	}
	if result.Failures != 10 || h.enc.finished != 1 {
		t.Errorf("failures=%d finished=%d", result.Failures, h.enc.finished)
	}
}

func TestLoop_StartupErrors(t *testing.T) {
	t.Run("output not found", func(t *testing.T) {
		h := newHarness(32, 16)
		loop := newTestLoop(t, context.Background(), Config{OutputName: "HDMI-A-1", Framerate: 30}, h.deps())
		result, err := loop.Run()

		var loopErr *Error
		if !errors.As(err, &loopErr) || loopErr.Phase != PhaseStartup {
			t.Fatalf("expected startup *Error, got %v", err)
		}
		if result.Reason != ReasonStartupFailed {
			t.Errorf("reason = %s", result.Reason)
		}
		if h.encoded != 0 || h.enc.finished != 0 {
			t.Errorf("pipeline must not be built or finished on startup failure")
		}
		if !h.comp.closed {
			t.Error("compositor connection leaked")
		}
	})

	t.Run("no compositor", func(t *testing.T) {
		h := newHarness(32, 16)
		deps := h.deps()
		deps.Connect = func(context.Context) (Compositor, error) { return nil, errors.New("no compositor") }
		loop := newTestLoop(t, context.Background(), Config{OutputName: "DP-1", Framerate: 30}, deps)
		if _, err := loop.Run(); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("pipeline construction", func(t *testing.T) {
		h := newHarness(32, 16)
		deps := h.deps()
		deps.NewEncoder = func(int, int) (Encoder, error) { return nil, errors.New("no x264enc") }
		loop := newTestLoop(t, context.Background(), Config{OutputName: "DP-1", Framerate: 30}, deps)
		_, err := loop.Run()
		var loopErr *Error
		if !errors.As(err, &loopErr) || loopErr.Phase != PhaseStartup {
			t.Fatalf("expected startup *Error, got %v", err)
		}
		if h.comp.session.captures != 0 {
			t.Error("no frame may be captured after a startup failure")
		}
	})
}

// fixedCapsEncoder only accepts frames of the size it was built for.
type fixedCapsEncoder struct {
	*fakeEncoder
	width, height int
}

func (e *fixedCapsEncoder) ValidateFrameSize(width, height int) error {
	if width != e.width || height != e.height {
		return fmt.Errorf("frames are %dx%d, caps are %dx%d", width, height, e.width, e.height)
	}
	return nil
}

func TestLoop_EncoderCapsMismatch(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		wantErr       bool
	}{
		{"match", 32, 16, false},
		{"mismatch", 640, 480, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(32, 16)
			enc := &fixedCapsEncoder{fakeEncoder: h.enc, width: tt.width, height: tt.height}
			deps := h.deps()
			deps.NewEncoder = func(int, int) (Encoder, error) { return enc, nil }

			stop, cancel := context.WithCancel(context.Background())
			h.enc.onPush = func(n int) {
				if n == 3 {
					cancel()
				}
			}
			defer cancel()

			loop := newTestLoop(t, stop, Config{OutputName: "DP-1", Framerate: 30}, deps)
			_, err := loop.Run()

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				return
			}
			var loopErr *Error
			if !errors.As(err, &loopErr) || loopErr.Phase != PhaseStartup {
				t.Fatalf("expected startup *Error, got %v", err)
			}
			if h.comp.session.captures != 0 {
				t.Error("no frame may be captured when caps mismatch")
			}
			if h.enc.finished != 1 {
				t.Errorf("Finish called %d times, want 1", h.enc.finished)
			}
		})
	}
}

func TestLoop_NegotiationBounded(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		h := newHarness(32, 16)
		h.comp.session.hangNegotiate = true
		cfg := Config{OutputName: "DP-1", Framerate: 30, NegotiateTimeout: 50 * time.Millisecond}
		loop := newTestLoop(t, context.Background(), cfg, h.deps())

		start := time.Now()
		_, err := loop.Run()
		if !errors.Is(err, ErrNegotiateTimeout) {
			t.Fatalf("expected ErrNegotiateTimeout, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("negotiation took %v", elapsed)
		}
	})

	t.Run("stop requested", func(t *testing.T) {
		h := newHarness(32, 16)
		h.comp.session.hangNegotiate = true
		stop, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)

		loop := newTestLoop(t, stop, Config{OutputName: "DP-1", Framerate: 30, NegotiateTimeout: time.Minute}, h.deps())
		_, err := loop.Run()
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if errors.Is(err, ErrNegotiateTimeout) {
			t.Error("a stop request is not a timeout")
		}
	})
}

func TestLoop_Pacing(t *testing.T) {
	h := newHarness(8, 8)
	stop, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.enc.onPush = func(n int) {
		if n == 10 {
			cancel()
		}
	}

	loop, err := NewLoop(stop, Config{OutputName: "DP-1", Framerate: 100}, h.deps())
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	start := time.Now()
	if _, err := loop.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Nine full intervals elapse before the tenth frame is pushed.
	if elapsed := time.Since(start); elapsed < 85*time.Millisecond {
		t.Errorf("10 frames at 100fps took %v, want >= ~90ms", elapsed)
	}
}

func TestNewLoop_Validation(t *testing.T) {
	h := newHarness(8, 8)
	if _, err := NewLoop(context.Background(), Config{Framerate: 0}, h.deps()); err == nil {
		t.Error("expected error for zero framerate")
	}
	if _, err := NewLoop(context.Background(), Config{Framerate: 30}, Dependencies{}); err == nil {
		t.Error("expected error for missing dependencies")
	}
	l, err := NewLoop(context.Background(), Config{Framerate: 30}, h.deps())
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	if l.cfg.MaxConsecutiveErrors != 10 || l.cfg.ThroughputEvery != 60 {
		t.Errorf("defaults not applied: %+v", l.cfg)
	}
}
