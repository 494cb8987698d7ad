//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aiop

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	pollReadEvents  = unix.POLLIN | unix.POLLPRI
	pollWriteEvents = unix.POLLOUT
	pollErrorEvents = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL
)

func init() {
	RegisterBackend("poll", 20, openPoll)
}

// pollPoller watches a dense pollfd array, the first n slots are in use.
type pollPoller struct {
	statsHolder
	table ObjectTable
	fds   eventBuffer[unix.PollFd]
	n     int
	index map[Handle]int
	open  bool
}

func openPoll(capacity int, table ObjectTable) (Backend, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if soft, _, err := openFileLimit(); err == nil && uint64(capacity) > soft {
		return nil, fmt.Errorf("%w: capacity %d exceeds open files limit %d", ErrCapacity, capacity, soft)
	}
	return &pollPoller{
		table: table,
		fds:   newEventBuffer[unix.PollFd](capacity),
		index: make(map[Handle]int),
		open:  true,
	}, nil
}

func (p *pollPoller) Name() string {
	return "poll"
}

func pollFlags(code Code) int16 {
	var flags int16
	if code.WantsRead() {
		flags |= pollReadEvents
	}
	if code.WantsWrite() {
		flags |= pollWriteEvents
	}
	return flags
}

func (p *pollPoller) watch(obj Object) error {
	fds := p.fds.slots()
	if idx, ok := p.index[obj.Handle]; ok {
		fds[idx].Events = pollFlags(obj.Code)
		return nil
	}
	if p.n == len(fds) {
		if !p.fds.grow() {
			return ErrCapacity
		}
		fds = p.fds.slots()
	}
	fds[p.n] = unix.PollFd{Fd: int32(obj.Handle.Fd()), Events: pollFlags(obj.Code)}
	p.index[obj.Handle] = p.n
	p.n++
	return nil
}

func (p *pollPoller) unwatch(h Handle) {
	idx, ok := p.index[h]
	if !ok {
		return
	}
	fds := p.fds.slots()
	last := p.n - 1
	if idx != last {
		fds[idx] = fds[last]
		p.index[Handle(fds[idx].Fd+1)] = idx
	}
	fds[last] = unix.PollFd{}
	delete(p.index, h)
	p.n--
}

func (p *pollPoller) AddObject(obj Object) error {
	if !p.open {
		return ErrClosed
	}
	return p.watch(obj)
}

func (p *pollPoller) RemoveObject(h Handle) error {
	if !p.open {
		return ErrClosed
	}
	p.unwatch(h)
	return nil
}

func (p *pollPoller) PostBatch(objs []Object) error {
	if !p.open {
		return ErrClosed
	}
	var batchErr *BatchError
	for _, obj := range objs {
		p.unwatch(obj.Handle)
		if obj.Code == 0 {
			continue
		}
		if err := p.watch(obj); err != nil {
			if batchErr == nil {
				batchErr = &BatchError{Err: err}
			}
			batchErr.Failed = append(batchErr.Failed, obj.Handle)
		}
	}
	if batchErr != nil {
		return batchErr
	}
	return nil
}

func (p *pollPoller) Wait(events []Event, msec int) (int, error) {
	if !p.open {
		return 0, ErrClosed
	}
	if msec < 0 {
		msec = -1
	}
	fds := p.fds.slots()[:p.n]
	for i := range fds {
		fds[i].Revents = 0
	}
	n, err := unix.Poll(fds, msec)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("poll", err)
	}
	count, dropped := 0, 0
	for i := 0; i < len(fds) && n > 0; i++ {
		fd := &fds[i]
		if fd.Revents == 0 {
			continue
		}
		n--
		h := Handle(fd.Fd + 1)
		obj, ok := p.table.Lookup(h)
		if !ok {
			continue
		}
		code := obj.Code.Ready(fd.Revents&pollReadEvents != 0, fd.Revents&pollWriteEvents != 0, fd.Revents&pollErrorEvents != 0)
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
	return count, nil
}

func (p *pollPoller) reset() {
	p.fds.reset()
	p.n = 0
	p.index = make(map[Handle]int)
}

// Clear forgets every descriptor, poll has no kernel-side queue to reopen.
func (p *pollPoller) Clear() error {
	if !p.open {
		return ErrClosed
	}
	p.reset()
	return nil
}

func (p *pollPoller) Exit() error {
	p.reset()
	p.open = false
	return nil
}
