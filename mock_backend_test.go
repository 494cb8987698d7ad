package aiop

import (
	"errors"
)

const mockBackendName = "mock"

var errMockNative = errors.New("mock native failure")

func init() {
	RegisterBackend(mockBackendName, -1, openMock)
}

// mockBackend keeps the native side in a map and reports every registered handle
// whose ready code is set.
type mockBackend struct {
	statsHolder
	table      ObjectTable
	native     map[Handle]Code
	ready      map[Handle]Code
	failAdd    map[Handle]bool
	failRemove map[Handle]bool
	failBatch  map[Handle]bool
	postErr    error
	clearErr   error
	exits      int
	batches    [][]Object
}

var lastMock *mockBackend

func openMock(capacity int, table ObjectTable) (Backend, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	lastMock = &mockBackend{
		table:      table,
		native:     make(map[Handle]Code),
		ready:      make(map[Handle]Code),
		failAdd:    make(map[Handle]bool),
		failRemove: make(map[Handle]bool),
		failBatch:  make(map[Handle]bool),
	}
	return lastMock, nil
}

func (m *mockBackend) Name() string {
	return mockBackendName
}

func (m *mockBackend) AddObject(obj Object) error {
	if m.failAdd[obj.Handle] {
		return errMockNative
	}
	m.native[obj.Handle] = obj.Code
	return nil
}

func (m *mockBackend) RemoveObject(h Handle) error {
	if m.failRemove[h] {
		return errMockNative
	}
	delete(m.native, h)
	return nil
}

func (m *mockBackend) PostBatch(objs []Object) error {
	m.batches = append(m.batches, objs)
	if m.postErr != nil {
		return m.postErr
	}
	var batchErr *BatchError
	for _, obj := range objs {
		// Native backends drop the old interest before the failing change.
		delete(m.native, obj.Handle)
		if m.failBatch[obj.Handle] {
			if batchErr == nil {
				batchErr = &BatchError{Err: errMockNative}
			}
			batchErr.Failed = append(batchErr.Failed, obj.Handle)
			continue
		}
		if obj.Code != 0 {
			m.native[obj.Handle] = obj.Code
		}
	}
	if batchErr != nil {
		return batchErr
	}
	return nil
}

func (m *mockBackend) Wait(events []Event, msec int) (int, error) {
	count, dropped := 0, 0
	for h := range m.native {
		ready, ok := m.ready[h]
		if !ok {
			continue
		}
		obj, ok := m.table.Lookup(h)
		if !ok {
			continue
		}
		code := obj.Code.Ready(ready&CodeRecv != 0, ready&CodeSend != 0, ready&CodeErr != 0)
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
	m.dropped(dropped)
	return count, nil
}

func (m *mockBackend) Clear() error {
	m.native = make(map[Handle]Code)
	return m.clearErr
}

func (m *mockBackend) Exit() error {
	m.exits++
	m.native = make(map[Handle]Code)
	return nil
}
