package snappea

import (
	"errors"
	"os"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ProcessAlive reports whether pid names a running process. Zombies count
// as dead: they have exited and only wait to be reaped.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := unix.Kill(pid, 0); err != nil {
		// EPERM: exists but belongs to someone else.
		return errors.Is(err, unix.EPERM)
	}

	fs, err := procfs.NewDefaultFS()
	if err != nil {
		// No procfs; the signal probe is all there is.
		return true
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return !errors.Is(err, os.ErrNotExist)
	}
	stat, err := proc.Stat()
	if err != nil {
		return !errors.Is(err, os.ErrNotExist)
	}
	return stat.State != "Z"
}
