// Package shm creates and attaches named POSIX shared-memory segments the
// controller and the traced process's in-process agent map to exchange
// ring buffers and the thread registry.
package shm

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/adatrace/tracer-core/tracererr"
)

// NameFor derives a unique shared-memory object name from (role, pid,
// session_id).
func NameFor(role string, pid int, sessionID uint64) string {
	return fmt.Sprintf("/ada_%s_%d_%08x", role, pid, uint32(sessionID))
}

// shmPath maps a POSIX shared-memory object name (leading slash, no
// further slashes) to its backing path, matching glibc's shm_open
// implementation on Linux: a file in the tmpfs-mounted /dev/shm.
// golang.org/x/sys/unix has no ShmOpen/ShmUnlink wrapper since shm_open
// is a libc convenience rather than a distinct syscall; Open/Unlink
// against this path reproduce its exact behavior.
func shmPath(name string) string {
	return "/dev/shm/" + strings.TrimPrefix(name, "/")
}

// Segment is a handle to one mapped shared-memory region.
type Segment struct {
	name   string
	fd     int
	size   int
	region []byte
	owner  bool // true if this process created (and must unlink) the segment
}

// Create creates a new named shared-memory segment of size bytes, maps it
// read/write, and runs a self-test before returning.
func Create(name string, size int) (*Segment, error) {
	path := shmPath(name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, tracererr.Wrap(tracererr.IOFailure, "shm: open create", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, tracererr.Wrap(tracererr.IOFailure, "shm: ftruncate", err)
	}

	region, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, tracererr.Wrap(tracererr.IOFailure, "shm: mmap", err)
	}

	s := &Segment{name: name, fd: fd, size: size, region: region, owner: true}
	if err := s.selfTest(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Attach maps an already-created segment read/write without creating or
// unlinking it.
func Attach(name string, size int) (*Segment, error) {
	fd, err := unix.Open(shmPath(name), unix.O_RDWR, 0)
	if err != nil {
		return nil, tracererr.Wrap(tracererr.IOFailure, "shm: open attach", err)
	}

	region, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, tracererr.Wrap(tracererr.IOFailure, "shm: mmap", err)
	}

	s := &Segment{name: name, fd: fd, size: size, region: region, owner: false}
	if err := s.selfTest(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// selfTest writes a 32-bit probe word byte by byte into the first four
// bytes of the mapping, reads it back, and zeroes those bytes again before
// any header is overlaid onto it. It does not check word size or the
// mapping's alignment.
func (s *Segment) selfTest() error {
	if len(s.region) < 8 {
		return tracererr.New(tracererr.InvalidArgument, "shm: segment too small for a self-test word")
	}
	const probe uint32 = 0xABCD1234
	be := s.region[:4]
	be[0] = byte(probe)
	be[1] = byte(probe >> 8)
	be[2] = byte(probe >> 16)
	be[3] = byte(probe >> 24)
	got := uint32(be[0]) | uint32(be[1])<<8 | uint32(be[2])<<16 | uint32(be[3])<<24
	if got != probe {
		return tracererr.New(tracererr.State, "shm: self-test word readback mismatch")
	}
	// Restore: this region is about to be overlaid with a real header by
	// the caller (ringbuf.Create/Attach, registry construction) which will
	// reinitialize or validate these bytes itself.
	for i := range be {
		be[i] = 0
	}
	return nil
}

// Region returns the mapped byte slice.
func (s *Segment) Region() []byte { return s.region }

// Name returns the shared-memory object's name.
func (s *Segment) Name() string { return s.name }

// Close unmaps the region and, if this process created the segment,
// unlinks it.
func (s *Segment) Close() error {
	var err error
	if s.region != nil {
		if e := unix.Munmap(s.region); e != nil {
			err = tracererr.Wrap(tracererr.IOFailure, "shm: munmap", e)
		}
		s.region = nil
	}
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
	if s.owner {
		if e := unix.Unlink(shmPath(s.name)); e != nil && err == nil {
			err = tracererr.Wrap(tracererr.IOFailure, "shm: unlink", e)
		}
	}
	return err
}
