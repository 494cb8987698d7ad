//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aiop

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// selectSetSize is FD_SETSIZE: both the capacity bound and the largest descriptor + 1.
const selectSetSize = 1024

func init() {
	RegisterBackend("select", 10, openSelect)
}

type selectWatch struct {
	handle Handle
	code   Code
}

// selectPoller rebuilds the fd sets from its dense watch list before every wait.
type selectPoller struct {
	statsHolder
	table   ObjectTable
	watched []selectWatch
	index   map[Handle]int
	rset    unix.FdSet
	wset    unix.FdSet
	open    bool
}

func openSelect(capacity int, table ObjectTable) (Backend, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if capacity > selectSetSize {
		return nil, fmt.Errorf("%w: capacity %d exceeds FD_SETSIZE %d", ErrCapacity, capacity, selectSetSize)
	}
	return &selectPoller{
		table:   table,
		watched: make([]selectWatch, 0, capacity),
		index:   make(map[Handle]int),
		open:    true,
	}, nil
}

func (p *selectPoller) Name() string {
	return "select"
}

func (p *selectPoller) watch(obj Object) error {
	if obj.Handle.Fd() >= selectSetSize {
		return fmt.Errorf("%w: fd %d exceeds FD_SETSIZE", ErrInvalidHandle, obj.Handle.Fd())
	}
	if idx, ok := p.index[obj.Handle]; ok {
		p.watched[idx].code = obj.Code
		return nil
	}
	p.index[obj.Handle] = len(p.watched)
	p.watched = append(p.watched, selectWatch{handle: obj.Handle, code: obj.Code})
	return nil
}

func (p *selectPoller) unwatch(h Handle) {
	idx, ok := p.index[h]
	if !ok {
		return
	}
	last := len(p.watched) - 1
	if idx != last {
		p.watched[idx] = p.watched[last]
		p.index[p.watched[idx].handle] = idx
	}
	p.watched = p.watched[:last]
	delete(p.index, h)
}

func (p *selectPoller) AddObject(obj Object) error {
	if !p.open {
		return ErrClosed
	}
	return p.watch(obj)
}

func (p *selectPoller) RemoveObject(h Handle) error {
	if !p.open {
		return ErrClosed
	}
	p.unwatch(h)
	return nil
}

func (p *selectPoller) PostBatch(objs []Object) error {
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

func (p *selectPoller) Wait(events []Event, msec int) (int, error) {
	if !p.open {
		return 0, ErrClosed
	}
	p.rset.Zero()
	p.wset.Zero()
	maxfd := -1
	for _, w := range p.watched {
		fd := w.handle.Fd()
		if w.code.WantsRead() {
			p.rset.Set(fd)
		}
		if w.code.WantsWrite() {
			p.wset.Set(fd)
		}
		if fd > maxfd {
			maxfd = fd
		}
	}
	var timeout *unix.Timeval
	if msec >= 0 {
		tv := unix.NsecToTimeval(int64(msec) * int64(time.Millisecond))
		timeout = &tv
	}
	n, err := unix.Select(maxfd+1, &p.rset, &p.wset, nil, timeout)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("select", err)
	}
	count, dropped := 0, 0
	for i := 0; i < len(p.watched) && n > 0; i++ {
		w := p.watched[i]
		fd := w.handle.Fd()
		readable, writable := p.rset.IsSet(fd), p.wset.IsSet(fd)
		if !readable && !writable {
			continue
		}
		if readable {
			n--
		}
		if writable {
			n--
		}
		obj, ok := p.table.Lookup(w.handle)
		if !ok {
			continue
		}
		code := obj.Code.Ready(readable, writable, false)
		if code == 0 {
			continue
		}
		if count == len(events) {
			dropped++
			continue
		}
		events[count] = Event{Handle: w.handle, Code: code, Data: obj.Data}
		count++
	}
	p.dropped(dropped)
	return count, nil
}

func (p *selectPoller) reset() {
	p.watched = p.watched[:0]
	p.index = make(map[Handle]int)
}

// Clear forgets every descriptor, select has no kernel-side queue to reopen.
func (p *selectPoller) Clear() error {
	if !p.open {
		return ErrClosed
	}
	p.reset()
	return nil
}

func (p *selectPoller) Exit() error {
	p.reset()
	p.open = false
	return nil
}
