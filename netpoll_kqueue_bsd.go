//go:build darwin || freebsd

package aiop

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

func init() {
	RegisterBackend("kqueue", 40, openKqueue)
}

// kqueuePoller keeps a read filter and a write filter per descriptor.
type kqueuePoller struct {
	statsHolder
	fd       int
	table    ObjectTable
	events   eventBuffer[unix.Kevent_t]
	changes  []unix.Kevent_t
	receipts []unix.Kevent_t
	merged   map[Handle]int
}

func openKqueue(capacity int, table ObjectTable) (Backend, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(fd)
	return &kqueuePoller{
		fd:       fd,
		table:    table,
		events:   newEventBuffer[unix.Kevent_t](capacity),
		changes:  make([]unix.Kevent_t, 0, 4*BatchMax),
		receipts: make([]unix.Kevent_t, 4*BatchMax),
		merged:   make(map[Handle]int),
	}, nil
}

func (p *kqueuePoller) Name() string {
	return "kqueue"
}

func (p *kqueuePoller) change(fd int, filter int, flags int) {
	var ev unix.Kevent_t
	unix.SetKevent(&ev, fd, filter, flags|unix.EV_RECEIPT)
	p.changes = append(p.changes, ev)
}

func (p *kqueuePoller) addFilters(obj Object) {
	fd := obj.Handle.Fd()
	if obj.Code.WantsRead() {
		p.change(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
	}
	if obj.Code.WantsWrite() {
		p.change(fd, unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
	}
}

func (p *kqueuePoller) deleteFilters(fd int) {
	p.change(fd, unix.EVFILT_READ, unix.EV_DELETE)
	p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
}

// sync submits the pending changes with a zero timeout and returns the descriptors
// whose changes failed. Deleting a filter that does not exist is not a failure,
// neither is a closed descriptor when remove is set for it.
func (p *kqueuePoller) sync(remove func(fd int) bool) (map[int]error, error) {
	changes := p.changes
	p.changes = p.changes[:0]
	if len(changes) == 0 {
		return nil, nil
	}
	n, err := unix.Kevent(p.fd, changes, p.receipts[:len(changes)], &unix.Timespec{})
	if err != nil {
		return nil, os.NewSyscallError("kevent", err)
	}
	var failed map[int]error
	for i := 0; i < n; i++ {
		r := &p.receipts[i]
		if r.Flags&unix.EV_ERROR == 0 || r.Data == 0 {
			continue
		}
		errno := unix.Errno(r.Data)
		fd := int(r.Ident)
		if errno == unix.ENOENT || (errno == unix.EBADF && remove(fd)) {
			continue
		}
		if failed == nil {
			failed = make(map[int]error)
		}
		failed[fd] = os.NewSyscallError("kevent", errno)
	}
	return failed, nil
}

func (p *kqueuePoller) AddObject(obj Object) error {
	if p.fd < 0 {
		return ErrClosed
	}
	fd := obj.Handle.Fd()
	if old, ok := p.table.Lookup(obj.Handle); ok {
		if old.Code.WantsRead() && !obj.Code.WantsRead() {
			p.change(fd, unix.EVFILT_READ, unix.EV_DELETE)
		}
		if old.Code.WantsWrite() && !obj.Code.WantsWrite() {
			p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		}
	}
	p.addFilters(obj)
	failed, err := p.sync(func(int) bool { return false })
	if err != nil {
		return err
	}
	return failed[fd]
}

func (p *kqueuePoller) RemoveObject(h Handle) error {
	if p.fd < 0 {
		return ErrClosed
	}
	p.deleteFilters(h.Fd())
	failed, err := p.sync(func(int) bool { return true })
	if err != nil {
		return err
	}
	return failed[h.Fd()]
}

// PostBatch deletes both filters of every entry and then adds the new ones, all in
// one kevent call.
func (p *kqueuePoller) PostBatch(objs []Object) error {
	if p.fd < 0 {
		return ErrClosed
	}
	removals := make(map[int]bool, len(objs))
	for _, obj := range objs {
		fd := obj.Handle.Fd()
		p.deleteFilters(fd)
		p.addFilters(obj)
		removals[fd] = obj.Code == 0
	}
	failed, err := p.sync(func(fd int) bool { return removals[fd] })
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}
	batchErr := &BatchError{}
	for _, obj := range objs {
		if ferr, ok := failed[obj.Handle.Fd()]; ok {
			batchErr.Failed = append(batchErr.Failed, obj.Handle)
			if batchErr.Err == nil {
				batchErr.Err = ferr
			}
		}
	}
	return batchErr
}

func (p *kqueuePoller) Wait(events []Event, msec int) (int, error) {
	if p.fd < 0 {
		return 0, ErrClosed
	}
	var timeout *unix.Timespec
	if msec >= 0 {
		ts := unix.NsecToTimespec(int64(msec) * int64(time.Millisecond))
		timeout = &ts
	}
	native := p.events.slots()
	n, err := unix.Kevent(p.fd, nil, native, timeout)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("kevent", err)
	}

	clear(p.merged)
	count, dropped := 0, 0
	for i := 0; i < n; i++ {
		ev := &native[i]
		h := Handle(ev.Ident + 1)
		obj, ok := p.table.Lookup(h)
		if !ok {
			continue
		}
		failed := ev.Flags&unix.EV_ERROR != 0 || (ev.Flags&unix.EV_EOF != 0 && ev.Fflags != 0)
		code := obj.Code.Ready(ev.Filter == unix.EVFILT_READ, ev.Filter == unix.EVFILT_WRITE, failed)
		if code == 0 {
			continue
		}
		if idx, ok := p.merged[h]; ok {
			events[idx].Code |= code
			continue
		}
		if count == len(events) {
			dropped++
			continue
		}
		p.merged[h] = count
		events[count] = Event{Handle: h, Code: code, Data: obj.Data}
		count++
	}
	p.dropped(dropped)
	if p.events.full(n) && p.events.grow() {
		p.grew()
		if log.Debug().Enabled() {
			log.Debug().Msgf("kqueue event buffer grown to %d", p.events.len())
		}
	}
	return count, nil
}

func (p *kqueuePoller) Clear() error {
	if p.fd >= 0 {
		if err := unix.Close(p.fd); err != nil {
			log.Error().Msgf("got error while closing kqueue: %+v", err)
		}
	}
	p.changes = p.changes[:0]
	fd, err := unix.Kqueue()
	if err != nil {
		p.fd = -1
		return os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(fd)
	p.fd = fd
	return nil
}

func (p *kqueuePoller) Exit() error {
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
