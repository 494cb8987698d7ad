//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aiop

import (
	"errors"
	"os"
	"runtime"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Handler receives every ready event of a loop. Returning an error removes the handle.
type Handler func(ev Event) error

// EventLoop drives one reactor from one goroutine. Registrations from other
// goroutines are queued with Submit and applied in batches before each wait.
type EventLoop struct {
	Name         string
	lockOsThread bool
	timeout      int
	isRunning    *atomic.Bool
	stopped      *atomic.Bool
	reactor      *Reactor
	events       []Event
	lock         sync.Mutex
	closeOnce    sync.Once
	pending      *queue.Queue
	wakeHandle   Handle
	wakeFd       int
	wakeBuf      []byte
}

// NewEventLoop opens a reactor for the loop. One slot of the reactor is used by the
// loop's wakeup pipe.
func NewEventLoop(config EventLoopConfig, reactorConfig ReactorConfig) (*EventLoop, error) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("init event loop:%+v", config)
	} else {
		log.Info().Msgf("init event loop:%s", config.Name)
	}
	bufferSize := config.EventBufferSize
	if bufferSize <= 0 {
		bufferSize = defEventBufferSize
	}
	if reactorConfig.Capacity > 0 {
		reactorConfig.Capacity++
	}
	reactor, err := NewReactor(reactorConfig)
	if err != nil {
		log.Error().Msgf("can't open reactor: %+v", err)
		return nil, err
	}
	wakeHandle, wakeFd, err := openWakePipe(reactor)
	if err != nil {
		log.Error().Msgf("can't open wakeup pipe: %+v", err)
		reactor.Close()
		return nil, err
	}
	return &EventLoop{
		Name:         config.Name,
		lockOsThread: config.LockOsThread,
		timeout:      config.TimeoutMs,
		isRunning:    atomic.NewBool(false),
		stopped:      atomic.NewBool(false),
		reactor:      reactor,
		events:       make([]Event, bufferSize),
		pending:      queue.New(),
		wakeHandle:   wakeHandle,
		wakeFd:       wakeFd,
		wakeBuf:      make([]byte, 64),
	}, nil
}

// openWakePipe registers the read end of a non-blocking pipe and returns its handle
// together with the write end.
func openWakePipe(reactor *Reactor) (Handle, int, error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return 0, -1, os.NewSyscallError("pipe", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return 0, -1, os.NewSyscallError("setnonblock", err)
		}
	}
	h, _ := NewHandle(fds[0])
	if err := reactor.Add(h, CodeRecv, nil); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return 0, -1, err
	}
	return h, fds[1], nil
}

// Reactor returns the loop's reactor. It must only be used from the loop goroutine.
func (el *EventLoop) Reactor() *Reactor {
	return el.reactor
}

// Start runs the loop until Stop is called, then closes the reactor.
func (el *EventLoop) Start(handler Handler) error {
	if el.stopped.Load() {
		el.close()
		return ErrClosed
	}
	if !el.isRunning.CAS(false, true) {
		return ErrLoopRunning
	}
	if el.lockOsThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	defer el.close()
	for el.isRunning.Load() {
		el.flush()
		evCount, err := el.reactor.Wait(el.events, el.timeout)
		if err != nil {
			log.Error().Msgf("got error while waiting for the net events: %+v", err)
			if errors.Is(err, ErrClosed) {
				return err
			}
			continue
		}
		for i := 0; i < evCount; i++ {
			ev := el.events[i]
			if ev.Handle == el.wakeHandle {
				el.drainWake()
				continue
			}
			if err := handler(ev); err != nil {
				log.Error().Msgf("[%d] error occurs in event-loop: %v", ev.Handle.Fd(), err)
				if err := el.reactor.Remove(ev.Handle); err != nil {
					log.Error().Msgf("[%d] error occurs while detaching fd from reactor: %v", ev.Handle.Fd(), err)
				}
			}
		}
		if log.Debug().Enabled() {
			log.Debug().Msgf("%s processed %d events", el.Name, evCount)
		}
	}
	return nil
}

// Stop ends Start and interrupts a blocked wait.
func (el *EventLoop) Stop() {
	el.stopped.Store(true)
	el.isRunning.Store(false)
	el.wake()
}

// Submit queues obj to be posted before the next wait. A zero Code removes the handle.
func (el *EventLoop) Submit(obj Object) {
	el.lock.Lock()
	el.pending.Add(obj)
	el.lock.Unlock()
	el.wake()
}

// Watch queues a registration of h for code.
func (el *EventLoop) Watch(h Handle, code Code, data interface{}) {
	el.Submit(Object{Handle: h, Code: code, Data: data})
}

// Unwatch queues the removal of h.
func (el *EventLoop) Unwatch(h Handle) {
	el.Submit(Object{Handle: h})
}

// Pending returns the number of queued changes.
func (el *EventLoop) Pending() int {
	el.lock.Lock()
	defer el.lock.Unlock()
	return el.pending.Length()
}

// flush posts queued changes in batches of at most BatchMax.
func (el *EventLoop) flush() {
	for {
		el.lock.Lock()
		size := el.pending.Length()
		if size > BatchMax {
			size = BatchMax
		}
		batch := make([]Object, 0, size)
		for i := 0; i < size; i++ {
			batch = append(batch, el.pending.Remove().(Object))
		}
		el.lock.Unlock()
		if len(batch) == 0 {
			return
		}
		if err := el.reactor.Post(batch); err != nil {
			log.Error().Msgf("%s can't apply %d queued changes: %+v", el.Name, len(batch), err)
		}
	}
}

func (el *EventLoop) wake() {
	el.lock.Lock()
	defer el.lock.Unlock()
	if el.wakeFd < 0 {
		return
	}
	_, err := unix.Write(el.wakeFd, []byte{1})
	if err != nil && err != unix.EAGAIN {
		log.Error().Msgf("%s can't wake up: %+v", el.Name, err)
	}
}

func (el *EventLoop) drainWake() {
	for {
		n, err := unix.Read(el.wakeHandle.Fd(), el.wakeBuf)
		if n <= 0 || err != nil {
			return
		}
	}
}

func (el *EventLoop) close() {
	el.closeOnce.Do(el.release)
}

func (el *EventLoop) release() {
	el.isRunning.Store(false)
	if err := el.reactor.Close(); err != nil {
		log.Error().Msgf("got error while closing reactor: %+v", err)
	}
	el.lock.Lock()
	unix.Close(el.wakeHandle.Fd())
	unix.Close(el.wakeFd)
	el.wakeFd = -1
	el.lock.Unlock()
	log.Info().Msgf("event loop %s stopped", el.Name)
}
