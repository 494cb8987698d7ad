package aiop

import (
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// reservedFiles leaves room for descriptors the process keeps besides registrations.
const reservedFiles = 64

// Reactor registers descriptors with one polling backend and waits for readiness.
//
// A Reactor is not safe for concurrent use; run one per event loop goroutine.
type Reactor struct {
	id      string
	maxn    int
	backend Backend
	table   *objectTable
	stats   *reactorStats
	logger  zerolog.Logger
	closed  bool
}

// NewReactor opens a reactor for up to config.Capacity registrations.
func NewReactor(config ReactorConfig) (*Reactor, error) {
	if config.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if config.RaiseFileLimit {
		if err := raiseOpenFileLimit(uint64(config.Capacity + reservedFiles)); err != nil {
			log.Warn().Msgf("can't raise open files limit: %+v", err)
		}
	}
	table := newObjectTable(config.Capacity)
	backend, err := openBackend(config.Backend, config.Capacity, table)
	if err != nil {
		log.Error().Msgf("can't open polling backend %q: %+v", config.Backend, err)
		return nil, err
	}
	r := &Reactor{
		id:      uuid.New().String(),
		maxn:    config.Capacity,
		backend: backend,
		table:   table,
		stats:   newReactorStats(),
	}
	if observer, ok := backend.(waitObserver); ok {
		observer.setStats(r.stats)
	}
	r.logger = log.With().Str("reactor", r.id).Str("backend", backend.Name()).Logger()
	r.logger.Info().Msgf("reactor opened with capacity %d", r.maxn)
	return r, nil
}

func (r *Reactor) ID() string {
	return r.id
}

// Backend returns the name of the backend in use.
func (r *Reactor) Backend() string {
	return r.backend.Name()
}

func (r *Reactor) Capacity() int {
	return r.maxn
}

// Len returns the number of registered objects.
func (r *Reactor) Len() int {
	return r.table.len()
}

// Lookup returns the registration of h.
func (r *Reactor) Lookup(h Handle) (Object, bool) {
	return r.table.Lookup(h)
}

func (r *Reactor) Stats() Stats {
	return r.stats.snapshot(r.backend.Name())
}

// Add registers interest in code for h, replacing any earlier code.
// After a failure the backend state of h is unknown; call Remove before retrying.
func (r *Reactor) Add(h Handle, code Code, data interface{}) error {
	if r.closed {
		return ErrClosed
	}
	if !h.Valid() {
		return ErrInvalidHandle
	}
	code = code.Normalize()
	if !code.valid() {
		return ErrInvalidCode
	}
	if !r.table.hasRoom(h) {
		return ErrCapacity
	}
	obj := Object{Handle: h, Code: code, Data: data}
	if err := r.backend.AddObject(obj); err != nil {
		r.stats.errors.Inc()
		r.logger.Error().Msgf("[%d] can't add %s: %+v", h.Fd(), code, err)
		return err
	}
	r.table.store(obj)
	r.stats.registered.Store(int64(r.table.len()))
	if r.logger.Debug().Enabled() {
		r.logger.Debug().Msgf("[%d] added %s", h.Fd(), code)
	}
	return nil
}

// Remove drops read and write interest for h. Removing an unknown handle is a no-op.
// The registration is kept when the backend fails.
func (r *Reactor) Remove(h Handle) error {
	if r.closed {
		return ErrClosed
	}
	if !h.Valid() {
		return ErrInvalidHandle
	}
	if err := r.backend.RemoveObject(h); err != nil {
		r.stats.errors.Inc()
		r.logger.Error().Msgf("[%d] can't remove: %+v", h.Fd(), err)
		return err
	}
	r.table.remove(h)
	r.stats.registered.Store(int64(r.table.len()))
	if r.logger.Debug().Enabled() {
		r.logger.Debug().Msgf("[%d] removed", h.Fd())
	}
	return nil
}

// Post replaces the interest of up to BatchMax objects at once. An object with a
// zero Code is removed. Malformed input fails the whole call before any native
// change. Entries the backend could not apply are listed in a *BatchError. Their
// previous interest is already gone natively, so they are dropped from the table
// and must be added again. All other entries took effect.
func (r *Reactor) Post(objs []Object) error {
	if r.closed {
		return ErrClosed
	}
	if len(objs) == 0 {
		return nil
	}
	if len(objs) > BatchMax {
		return ErrBatchTooLarge
	}
	batch := make([]Object, len(objs))
	for i, obj := range objs {
		if !obj.Handle.Valid() {
			return ErrInvalidHandle
		}
		obj.Code = obj.Code.Normalize()
		if obj.Code != 0 && !obj.Code.valid() {
			return ErrInvalidCode
		}
		batch[i] = obj
	}
	if !r.batchFits(batch) {
		return ErrCapacity
	}

	err := r.backend.PostBatch(batch)
	var batchErr *BatchError
	if err != nil && !errors.As(err, &batchErr) {
		r.stats.errors.Inc()
		r.logger.Error().Msgf("can't post batch of %d objects: %+v", len(batch), err)
		return err
	}
	for _, obj := range batch {
		if obj.Code == 0 || (batchErr != nil && batchErr.failed(obj.Handle)) {
			r.table.remove(obj.Handle)
		} else {
			r.table.store(obj)
		}
	}
	r.stats.registered.Store(int64(r.table.len()))
	if batchErr != nil {
		r.stats.errors.Inc()
		r.logger.Error().Msgf("batch partially applied: %+v", batchErr)
		return batchErr
	}
	if r.logger.Debug().Enabled() {
		r.logger.Debug().Msgf("posted batch of %d objects", len(batch))
	}
	return nil
}

// batchFits reports whether the table stays within capacity after the batch.
func (r *Reactor) batchFits(batch []Object) bool {
	size := r.table.len()
	present := make(map[Handle]bool, len(batch))
	for _, obj := range batch {
		exists, seen := present[obj.Handle]
		if !seen {
			_, exists = r.table.Lookup(obj.Handle)
		}
		switch {
		case obj.Code == 0 && exists:
			size--
		case obj.Code != 0 && !exists:
			size++
		}
		present[obj.Handle] = obj.Code != 0
	}
	return size <= r.maxn
}

// Wait blocks until a registered descriptor is ready or msec elapses.
// msec < 0 blocks indefinitely and 0 returns immediately. It returns the number of
// events written to events, at most len(events) and the reactor capacity, and 0 on
// timeout or when a signal interrupted the native wait.
func (r *Reactor) Wait(events []Event, msec int) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if len(events) == 0 {
		return 0, ErrEmptyBuffer
	}
	if len(events) > r.maxn {
		events = events[:r.maxn]
	}
	n, err := r.backend.Wait(events, msec)
	r.stats.waits.Inc()
	if err != nil {
		r.stats.errors.Inc()
		r.logger.Error().Msgf("error occurs while waiting for events: %+v", err)
		return 0, err
	}
	if n == 0 {
		r.stats.timeouts.Inc()
		return 0, nil
	}
	r.stats.events.Add(uint64(n))
	if r.logger.Debug().Enabled() {
		r.logger.Debug().Msgf("got %d events", n)
	}
	return n, nil
}

// Clear replaces the native queue after fork and forgets every registration.
// Previously registered objects are not re-added. When a new queue can't be
// opened the reactor is closed and the error is returned.
func (r *Reactor) Clear() error {
	if r.closed {
		return ErrClosed
	}
	if r.logger.Debug().Enabled() {
		r.logger.Debug().Msgf("clearing registrations for fds: %v", r.table.fds())
	}
	err := r.backend.Clear()
	r.table.reset()
	r.stats.registered.Store(0)
	if err != nil {
		r.stats.errors.Inc()
		r.logger.Error().Msgf("can't reopen polling queue: %+v", err)
		r.closed = true
		if exitErr := r.backend.Exit(); exitErr != nil {
			r.logger.Error().Msgf("got error while closing backend: %+v", exitErr)
		}
		return err
	}
	r.logger.Info().Msg("reactor cleared")
	return nil
}

// Close releases the backend. It may be called more than once.
func (r *Reactor) Close() error {
	if r == nil || r.closed {
		return nil
	}
	r.closed = true
	if r.backend == nil {
		return nil
	}
	r.table.reset()
	r.stats.registered.Store(0)
	err := r.backend.Exit()
	if err != nil {
		r.logger.Error().Msgf("got error while closing backend: %+v", err)
	}
	r.logger.Info().Msg("reactor closed")
	return err
}
