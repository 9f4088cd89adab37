// Package wayland is a minimal Wayland client speaking exactly the protocols
// the recorder needs: the core registry, wl_output, wl_shm,
// zwlr_screencopy_manager_v1 and zwp_linux_dmabuf_v1.
//
// All reads use short deadlines so every wait honours context cancellation;
// a compositor that never answers cannot hang the recorder.
package wayland

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollInterval bounds each blocking socket read so waits can observe
// cancellation between reads.
const pollInterval = 50 * time.Millisecond

// maxFDsPerRead matches libwayland's per-message fd ceiling.
const maxFDsPerRead = 28

const displayID = 1

var (
	// ErrNoCompositor is returned when no Wayland socket can be reached.
	ErrNoCompositor = errors.New("wayland: no compositor")

	errShortMessage = errors.New("wayland: truncated message")
)

// handler receives the events addressed to one object.
type handler interface {
	handle(opcode uint16, d *decoder)
}

// Conn is a Wayland wire connection with client-side object bookkeeping.
//
// Conn is not safe for concurrent dispatch: exactly one goroutine reads.
type Conn struct {
	sock *net.UnixConn

	mu      sync.Mutex
	objects map[uint32]handler
	nextID  uint32
	freeIDs []uint32

	pending []byte
	fatal   error
}

// SocketPath resolves the compositor socket from WAYLAND_DISPLAY and
// XDG_RUNTIME_DIR the way libwayland does.
func SocketPath() (string, error) {
	name := os.Getenv("WAYLAND_DISPLAY")
	if name == "" {
		name = "wayland-0"
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", fmt.Errorf("%w: XDG_RUNTIME_DIR is not set", ErrNoCompositor)
	}
	return filepath.Join(dir, name), nil
}

// Dial connects to the compositor socket at path.
func Dial(path string) (*Conn, error) {
	sock, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNoCompositor, path, err)
	}
	return newConn(sock), nil
}

func newConn(sock *net.UnixConn) *Conn {
	return &Conn{
		sock:    sock,
		objects: make(map[uint32]handler),
		nextID:  displayID,
	}
}

// Close closes the socket.
func (c *Conn) Close() error {
	return c.sock.Close()
}

// register allocates a client object id, reusing ids the compositor released.
func (c *Conn) register(h handler) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id uint32
	if n := len(c.freeIDs); n > 0 {
		id = c.freeIDs[n-1]
		c.freeIDs = c.freeIDs[:n-1]
	} else {
		c.nextID++
		id = c.nextID
	}
	c.objects[id] = h
	return id
}

// release frees an id after the compositor confirmed it with delete_id.
func (c *Conn) release(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.objects[id]; !ok {
		return
	}
	delete(c.objects, id)
	c.freeIDs = append(c.freeIDs, id)
}

func (c *Conn) setFatal(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal == nil {
		c.fatal = err
	}
}

// Err returns the protocol error reported by the compositor, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// send writes one request. fds travel as SCM_RIGHTS ancillary data.
func (c *Conn) send(id uint32, opcode uint16, e *encoder) error {
	size := 8 + len(e.buf)
	if size > 0xffff {
		return fmt.Errorf("wayland: request too large (%d bytes)", size)
	}

	msg := make([]byte, 0, size)
	msg = binary.NativeEndian.AppendUint32(msg, id)
	msg = binary.NativeEndian.AppendUint32(msg, uint32(size)<<16|uint32(opcode))
	msg = append(msg, e.buf...)

	var oob []byte
	if len(e.fds) > 0 {
		oob = unix.UnixRights(e.fds...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n, oobn, err := c.sock.WriteMsgUnix(msg, oob, nil)
	if err != nil {
		return fmt.Errorf("wayland: write request: %w", err)
	}
	if n != len(msg) || oobn != len(oob) {
		return fmt.Errorf("wayland: short write (%d/%d bytes)", n, len(msg))
	}
	return nil
}

// readOnce waits up to pollInterval for data and dispatches every complete
// event it received.
func (c *Conn) readOnce() error {
	if err := c.sock.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		return fmt.Errorf("wayland: set read deadline: %w", err)
	}

	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(maxFDsPerRead*4))
	n, oobn, _, _, err := c.sock.ReadMsgUnix(buf, oob)
	if oobn > 0 {
		closeReceivedFDs(oob[:oobn])
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("wayland: compositor closed the connection: %w", io.EOF)
	}

	c.pending = append(c.pending, buf[:n]...)
	return c.dispatchPending()
}

// None of the events this client handles carry file descriptors.
func closeReceivedFDs(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.Close(fd)
		}
	}
}

func (c *Conn) dispatchPending() error {
	for len(c.pending) >= 8 {
		id := binary.NativeEndian.Uint32(c.pending[0:4])
		word := binary.NativeEndian.Uint32(c.pending[4:8])
		size := int(word >> 16)
		opcode := uint16(word & 0xffff)

		if size < 8 {
			return fmt.Errorf("wayland: invalid event size %d", size)
		}
		if len(c.pending) < size {
			return nil
		}

		c.mu.Lock()
		h := c.objects[id]
		c.mu.Unlock()

		if h != nil {
			h.handle(opcode, &decoder{b: c.pending[8:size]})
		} else {
			slog.Debug("wayland: event for unknown object", "id", id, "opcode", opcode)
		}
		c.pending = c.pending[size:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return nil
}

// dispatchUntil reads and dispatches events until done returns true, the
// compositor reports a protocol error, or ctx ends.
func (c *Conn) dispatchUntil(ctx context.Context, done func() bool) error {
	for {
		if err := c.Err(); err != nil {
			return err
		}
		if done() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.readOnce()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		return err
	}
}

// encoder builds request arguments.
type encoder struct {
	buf []byte
	fds []int
}

func (e *encoder) uint(v uint32) *encoder {
	e.buf = binary.NativeEndian.AppendUint32(e.buf, v)
	return e
}

func (e *encoder) int(v int32) *encoder {
	return e.uint(uint32(v))
}

func (e *encoder) string(s string) *encoder {
	n := len(s) + 1
	e.uint(uint32(n))
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
	for pad := paddedLen(n) - n; pad > 0; pad-- {
		e.buf = append(e.buf, 0)
	}
	return e
}

func (e *encoder) fd(fd int) *encoder {
	e.fds = append(e.fds, fd)
	return e
}

func paddedLen(n int) int {
	return (n + 3) &^ 3
}

// decoder reads event arguments. The first short read sticks in err.
type decoder struct {
	b   []byte
	err error
}

func (d *decoder) uint() uint32 {
	if d.err != nil {
		return 0
	}
	if len(d.b) < 4 {
		d.err = errShortMessage
		return 0
	}
	v := binary.NativeEndian.Uint32(d.b)
	d.b = d.b[4:]
	return v
}

func (d *decoder) int() int32 {
	return int32(d.uint())
}

func (d *decoder) string() string {
	n := int(d.uint())
	if d.err != nil || n == 0 {
		return ""
	}
	padded := paddedLen(n)
	if len(d.b) < padded {
		d.err = errShortMessage
		return ""
	}
	s := string(d.b[:n-1])
	d.b = d.b[padded:]
	return s
}
