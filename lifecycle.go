package snappea

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/hojjatabdollahi/snappea-sub000/internal/state"
)

// LockFileName is the recording lock file inside the runtime directory.
const LockFileName = "snappea-recording.lock"

// Stop escalation defaults.
const (
	DefaultStopGrace = 5 * time.Second
	DefaultStopPoll  = 100 * time.Millisecond
)

// killSettle bounds the wait for a SIGKILLed process to disappear.
const killSettle = 500 * time.Millisecond

// StopResult describes how a recording was stopped.
type StopResult struct {
	PID int
	// Forced is set when the process outlived the grace period and was
	// killed.
	Forced bool
	// AlreadyGone is set when the recorded process was not running.
	AlreadyGone bool
}

// Lifecycle manages the state file and lock of the active recording.
type Lifecycle struct {
	store    *state.Store
	lockPath string
	grace    time.Duration
	poll     time.Duration
	alive    func(pid int) bool
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithStatePath overrides the state file location.
func WithStatePath(path string) Option {
	return func(l *Lifecycle) { l.store = state.NewStore(path) }
}

// WithLockPath overrides the lock file location.
func WithLockPath(path string) Option {
	return func(l *Lifecycle) { l.lockPath = path }
}

// WithStopTimings overrides the stop grace period and poll interval. Zero
// values keep the defaults.
func WithStopTimings(grace, poll time.Duration) Option {
	return func(l *Lifecycle) {
		if grace > 0 {
			l.grace = grace
		}
		if poll > 0 {
			l.poll = poll
		}
	}
}

// NewLifecycle returns a lifecycle using the runtime directory defaults.
func NewLifecycle(opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:    state.NewStore(""),
		lockPath: filepath.Join(state.RuntimeDir(), LockFileName),
		grace:    DefaultStopGrace,
		poll:     DefaultStopPoll,
		alive:    ProcessAlive,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StatePath returns the state file path.
func (l *Lifecycle) StatePath() string {
	return l.store.Path()
}

// Save writes the record of the active recording.
func (l *Lifecycle) Save(st RecordingState) error {
	if err := l.store.Save(st); err != nil {
		return &RecordError{Class: ClassLifecycleFile, Op: "save recording state", Err: err}
	}
	return nil
}

// Load returns the saved record or nil when there is none.
func (l *Lifecycle) Load() (*RecordingState, error) {
	st, err := l.store.Load()
	if err != nil {
		return nil, &RecordError{Class: ClassLifecycleFile, Op: "load recording state", Err: err}
	}
	return st, nil
}

// Clear removes the state file.
func (l *Lifecycle) Clear() error {
	if err := l.store.Remove(); err != nil {
		return &RecordError{Class: ClassLifecycleFile, Op: "remove recording state", Err: err}
	}
	return nil
}

// IsRecording reports whether the recorded process is alive. A record whose
// process is gone is deleted. Unreadable state counts as not recording.
func (l *Lifecycle) IsRecording() bool {
	st, err := l.Load()
	if err != nil {
		slog.Warn("lifecycle: cannot read recording state", "error", err)
		return false
	}
	if st == nil {
		return false
	}
	if l.alive(st.PID) {
		return true
	}

	slog.Info("lifecycle: removing stale recording state", "pid", st.PID, "path", l.store.Path())
	if err := l.Clear(); err != nil {
		slog.Warn("lifecycle: failed to remove stale state", "error", err)
	}
	return false
}

// Stop ends the active recording. The process gets SIGTERM, is polled
// until it exits or the grace period elapses, and then gets SIGKILL. The
// state file is removed whichever way the process ended.
func (l *Lifecycle) Stop() (StopResult, error) {
	st, err := l.Load()
	if err != nil {
		return StopResult{}, err
	}
	if st == nil {
		return StopResult{}, ErrNoActiveRecording
	}
	result := StopResult{PID: st.PID}
	defer func() {
		if err := l.Clear(); err != nil {
			slog.Warn("lifecycle: failed to remove state after stop", "error", err)
		}
	}()

	if st.PID == os.Getpid() {
		return result, fmt.Errorf("refusing to signal the current process (pid %d)", st.PID)
	}

	if err := unix.Kill(st.PID, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			result.AlreadyGone = true
			return result, nil
		}
		return result, fmt.Errorf("signal recorder %d: %w", st.PID, err)
	}
	slog.Info("lifecycle: stop requested", "pid", st.PID, "grace", l.grace)

	if l.waitExit(st.PID, l.grace) {
		return result, nil
	}

	slog.Warn("lifecycle: recorder ignored SIGTERM, killing", "pid", st.PID)
	if err := unix.Kill(st.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return result, fmt.Errorf("kill recorder %d: %w", st.PID, err)
	}
	result.Forced = true
	if !l.waitExit(st.PID, killSettle) {
		return result, fmt.Errorf("recorder %d still alive after SIGKILL", st.PID)
	}
	return result, nil
}

// waitExit polls until pid is gone or timeout elapses.
func (l *Lifecycle) waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !l.alive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(l.poll)
	}
}

// Lock is the held recording lock.
type Lock struct {
	flock *flock.Flock
}

// Acquire takes the exclusive recording lock without blocking. It fails
// with ErrAlreadyRecording while another recorder holds it.
func (l *Lifecycle) Acquire() (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o700); err != nil {
		return nil, &RecordError{Class: ClassLifecycleFile, Op: "create lock directory", Err: err}
	}
	fl := flock.New(l.lockPath)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, &RecordError{Class: ClassLifecycleFile, Op: "acquire recording lock", Err: err}
	}
	if !ok {
		return nil, &RecordError{Class: ClassStartupFatal, Op: "acquire recording lock", Err: ErrAlreadyRecording}
	}
	return &Lock{flock: fl}, nil
}

// Release drops the lock. Safe to call more than once.
func (lk *Lock) Release() error {
	if lk == nil || lk.flock == nil {
		return nil
	}
	return lk.flock.Unlock()
}

// Watch calls fn with the current record, then again whenever the state
// file is created, rewritten or removed, until ctx is done. fn receives nil
// when no recording is active.
func (l *Lifecycle) Watch(ctx context.Context, fn func(*RecordingState)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(l.store.Path())
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	// The file itself comes and goes, so watch its directory.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	report := func() {
		st, err := l.Load()
		if err != nil {
			slog.Warn("lifecycle: cannot read recording state", "error", err)
			st = nil
		}
		if st != nil && !l.alive(st.PID) {
			st = nil
		}
		fn(st)
	}
	report()

	const relevant = fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) == path && event.Op&relevant != 0 {
				report()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("lifecycle: watch error", "error", err)
		}
	}
}

var defaultLifecycle = NewLifecycle()

// IsRecording reports whether a recorder is running, using the default
// runtime paths.
func IsRecording() bool {
	return defaultLifecycle.IsRecording()
}

// Stop stops the running recorder, using the default runtime paths.
func Stop() (StopResult, error) {
	return defaultLifecycle.Stop()
}
