//go:build linux

package aiop

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP
)

func init() {
	RegisterBackend("epoll", 30, openEpoll)
}

// epollPoller keeps one native registration per descriptor carrying both directions.
type epollPoller struct {
	statsHolder
	fd     int
	table  ObjectTable
	events eventBuffer[unix.EpollEvent]
}

func openEpoll(capacity int, table ObjectTable) (Backend, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollPoller{
		fd:     fd,
		table:  table,
		events: newEventBuffer[unix.EpollEvent](capacity),
	}, nil
}

func (p *epollPoller) Name() string {
	return "epoll"
}

func epollFlags(code Code) uint32 {
	var flags uint32
	if code.WantsRead() {
		flags |= readEvents
	}
	if code.WantsWrite() {
		flags |= writeEvents
	}
	return flags
}

func (p *epollPoller) ctl(op int, fd int, code Code) error {
	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		ev = &unix.EpollEvent{Fd: int32(fd), Events: epollFlags(code)}
	}
	return unix.EpollCtl(p.fd, op, fd, ev)
}

func (p *epollPoller) AddObject(obj Object) error {
	if p.fd < 0 {
		return ErrClosed
	}
	fd := obj.Handle.Fd()
	op := unix.EPOLL_CTL_ADD
	if _, ok := p.table.Lookup(obj.Handle); ok {
		op = unix.EPOLL_CTL_MOD
	}
	err := p.ctl(op, fd, obj.Code)
	switch {
	case err == unix.EEXIST:
		err = p.ctl(unix.EPOLL_CTL_MOD, fd, obj.Code)
	case err == unix.ENOENT && op == unix.EPOLL_CTL_MOD:
		err = p.ctl(unix.EPOLL_CTL_ADD, fd, obj.Code)
	}
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

func (p *epollPoller) RemoveObject(h Handle) error {
	if p.fd < 0 {
		return ErrClosed
	}
	err := p.ctl(unix.EPOLL_CTL_DEL, h.Fd(), 0)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

// PostBatch has no combined native call on epoll, it spends a delete and an add per entry.
func (p *epollPoller) PostBatch(objs []Object) error {
	if p.fd < 0 {
		return ErrClosed
	}
	var batchErr *BatchError
	for _, obj := range objs {
		fd := obj.Handle.Fd()
		err := p.ctl(unix.EPOLL_CTL_DEL, fd, 0)
		if err == unix.ENOENT || (err == unix.EBADF && obj.Code == 0) {
			err = nil
		}
		if err == nil && obj.Code != 0 {
			err = p.ctl(unix.EPOLL_CTL_ADD, fd, obj.Code)
		}
		if err != nil {
			if batchErr == nil {
				batchErr = &BatchError{Err: os.NewSyscallError("epoll_ctl", err)}
			}
			batchErr.Failed = append(batchErr.Failed, obj.Handle)
		}
	}
	if batchErr != nil {
		return batchErr
	}
	return nil
}

// Wait only returns early with no events on timeout or EINTR. A registration whose
// descriptor was closed while a dup kept the file open stays in the epoll set and
// can't be removed by fd anymore; its events are skipped and the wait resumes with
// the remaining timeout, so such a descriptor costs wakeups until the dup is closed.
func (p *epollPoller) Wait(events []Event, msec int) (int, error) {
	if p.fd < 0 {
		return 0, ErrClosed
	}
	if msec < 0 {
		msec = -1
	}
	var deadline time.Time
	if msec > 0 {
		deadline = time.Now().Add(time.Duration(msec) * time.Millisecond)
	}
	for {
		n, count, err := p.wait(events, msec)
		if err != nil || count > 0 || n == 0 || msec == 0 {
			return count, err
		}
		if log.Debug().Enabled() {
			log.Debug().Msgf("epoll woke up for %d unregistered fds", n)
		}
		if msec > 0 {
			left := time.Until(deadline)
			if left <= 0 {
				return 0, nil
			}
			msec = int((left + time.Millisecond - 1) / time.Millisecond)
		}
	}
}

// wait runs one epoll_wait and returns the number of native and translated events.
func (p *epollPoller) wait(events []Event, msec int) (int, int, error) {
	native := p.events.slots()
	n, err := unix.EpollWait(p.fd, native, msec)
	if err == unix.EINTR {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, os.NewSyscallError("epoll_wait", err)
	}
	count, dropped := 0, 0
	for i := 0; i < n; i++ {
		ev := &native[i]
		h := Handle(ev.Fd + 1)
		obj, ok := p.table.Lookup(h)
		if !ok {
			continue
		}
		code := obj.Code.Ready(ev.Events&readEvents != 0, ev.Events&writeEvents != 0, ev.Events&errorEvents != 0)
		if code == 0 {
			continue
		}
		if count == len(events) {
			dropped++
			continue
		}
		events[count] = Event{Handle: h, Code: code, Data: obj.Data}
		count++
	}
	p.dropped(dropped)
	if p.events.full(n) && p.events.grow() {
		p.grew()
		if log.Debug().Enabled() {
			log.Debug().Msgf("epoll event buffer grown to %d", p.events.len())
		}
	}
	return n, count, nil
}

func (p *epollPoller) Clear() error {
	if p.fd >= 0 {
		if err := unix.Close(p.fd); err != nil {
			log.Error().Msgf("got error while closing epoll: %+v", err)
		}
	}
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		p.fd = -1
		return os.NewSyscallError("epoll_create1", err)
	}
	p.fd = fd
	return nil
}

func (p *epollPoller) Exit() error {
	p.events.reset()
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	if err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}
