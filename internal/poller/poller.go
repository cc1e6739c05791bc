// Package poller implements the reactor's named-interest readiness
// multiplexer. One Poller owns one epoll instance; callers register file
// descriptors into named read/write interest sets ("read_proxy",
// "read_client", "write_client", and so on) and the reactor asks, once per
// tick, "which fds in which named sets are ready."
package poller

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type interest uint8

const (
	interestRead interest = 1 << iota
	interestWrite
)

// Poller multiplexes many named fd sets over a single epoll instance.
type Poller struct {
	mu sync.Mutex

	epfd int

	// names maps a named set ("read_proxy", "write_client", ...) to the fds
	// currently registered under it.
	readSets  map[string]map[int]struct{}
	writeSets map[string]map[int]struct{}

	// fdInterest tracks what's actually registered with the kernel for a
	// given fd, so ADD/MOD/DEL calls stay correct when the same fd is a
	// member of at most one read set and one write set at a time.
	fdInterest map[int]interest
	fdReadName map[int]string
	fdWriteName map[int]string
}

// New creates a Poller backed by a fresh epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &Poller{
		epfd:        epfd,
		readSets:    map[string]map[int]struct{}{},
		writeSets:   map[string]map[int]struct{}{},
		fdInterest:  map[int]interest{},
		fdReadName:  map[int]string{},
		fdWriteName: map[int]string{},
	}, nil
}

// Close releases the epoll fd. It does not close any registered sockets.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// SetupRead declares a named read-interest set if it doesn't already exist.
func (p *Poller) SetupRead(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readSets[name] == nil {
		p.readSets[name] = map[int]struct{}{}
	}
}

// SetupWrite declares a named write-interest set if it doesn't already exist.
func (p *Poller) SetupWrite(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeSets[name] == nil {
		p.writeSets[name] = map[int]struct{}{}
	}
}

// AddReadSocket adds fd to the named read set, registering it with epoll.
// Safe to call again for an fd already present (no-op).
func (p *Poller) AddReadSocket(name string, fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.readSets[name]
	if set == nil {
		set = map[int]struct{}{}
		p.readSets[name] = set
	}
	if _, ok := set[fd]; ok {
		return nil
	}
	set[fd] = struct{}{}
	p.fdReadName[fd] = name
	return p.syncFD(fd)
}

// AddWriteSocket adds fd to the named write set, registering it with epoll.
func (p *Poller) AddWriteSocket(name string, fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.writeSets[name]
	if set == nil {
		set = map[int]struct{}{}
		p.writeSets[name] = set
	}
	if _, ok := set[fd]; ok {
		return nil
	}
	set[fd] = struct{}{}
	p.fdWriteName[fd] = name
	return p.syncFD(fd)
}

// RemoveReadSocket removes fd from the named read set only; if fd remains a
// member of a write set it stays registered with epoll for write events.
func (p *Poller) RemoveReadSocket(name string, fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set := p.readSets[name]; set != nil {
		delete(set, fd)
	}
	if p.fdReadName[fd] == name {
		delete(p.fdReadName, fd)
	}
	return p.syncFD(fd)
}

// RemoveWriteSocket removes fd from the named write set only.
func (p *Poller) RemoveWriteSocket(name string, fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set := p.writeSets[name]; set != nil {
		delete(set, fd)
	}
	if p.fdWriteName[fd] == name {
		delete(p.fdWriteName, fd)
	}
	return p.syncFD(fd)
}

// ClearRead removes every fd currently in the named read set from epoll
// read-interest, without touching their write-interest membership. This is
// the admission-control primitive: the reactor calls ClearRead("read_proxy")
// when client_count reaches max_clients.
func (p *Poller) ClearRead(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.readSets[name]
	fds := make([]int, 0, len(set))
	for fd := range set {
		fds = append(fds, fd)
	}
	for _, fd := range fds {
		delete(set, fd)
		delete(p.fdReadName, fd)
		if err := p.syncFD(fd); err != nil {
			return err
		}
	}
	return nil
}

// syncFD recomputes fd's desired epoll registration from current set
// membership and issues ADD/MOD/DEL against the kernel as needed. Caller
// must hold p.mu.
func (p *Poller) syncFD(fd int) error {
	var want interest
	if _, ok := p.fdReadName[fd]; ok {
		want |= interestRead
	}
	if _, ok := p.fdWriteName[fd]; ok {
		want |= interestWrite
	}
	have := p.fdInterest[fd]

	switch {
	case want == 0 && have == 0:
		return nil
	case want == 0:
		delete(p.fdInterest, fd)
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	case have == 0:
		p.fdInterest[fd] = want
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, eventFor(want))
	default:
		p.fdInterest[fd] = want
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, eventFor(want))
	}
}

func eventFor(i interest) *unix.EpollEvent {
	ev := &unix.EpollEvent{}
	if i&interestRead != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if i&interestWrite != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	return ev
}

// Ready is one tick's worth of readiness, grouped by named set.
type Ready struct {
	Read  map[string][]int
	Write map[string][]int
}

// Poll blocks up to timeoutMS (or indefinitely if negative) for readiness,
// then returns the ready fds grouped by named set. Each fd is tracked under
// at most one read-set name and one write-set name, so a ready fd can appear
// in one read set's slice and one write set's slice (e.g. both
// "read_client" and "write_client"); adding an fd to a second read set
// replaces its first read-set name.
func (p *Poller) Poll(timeoutMS int) (Ready, error) {
	events := make([]unix.EpollEvent, 256)
	n, err := unix.EpollWait(p.epfd, events, timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return Ready{Read: map[string][]int{}, Write: map[string][]int{}}, nil
		}
		return Ready{}, fmt.Errorf("poller: epoll_wait: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := Ready{Read: map[string][]int{}, Write: map[string][]int{}}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		readable := events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
		writable := events[i].Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0
		if readable {
			if name, ok := p.fdReadName[fd]; ok {
				out.Read[name] = append(out.Read[name], fd)
			}
		}
		if writable {
			if name, ok := p.fdWriteName[fd]; ok {
				out.Write[name] = append(out.Write[name], fd)
			}
		}
	}
	return out, nil
}
