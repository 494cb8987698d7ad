package aiop

import "sort"

// objectTable holds the logical registrations of a reactor, at most maxn of them.
type objectTable struct {
	maxn    int
	objects map[Handle]Object
}

func newObjectTable(maxn int) *objectTable {
	return &objectTable{
		maxn:    maxn,
		objects: make(map[Handle]Object),
	}
}

func (t *objectTable) Lookup(h Handle) (Object, bool) {
	obj, ok := t.objects[h]
	return obj, ok
}

// hasRoom reports whether h is already registered or one more object fits.
func (t *objectTable) hasRoom(h Handle) bool {
	if _, ok := t.objects[h]; ok {
		return true
	}
	return len(t.objects) < t.maxn
}

func (t *objectTable) store(obj Object) {
	t.objects[obj.Handle] = obj
}

func (t *objectTable) remove(h Handle) bool {
	if _, ok := t.objects[h]; !ok {
		return false
	}
	delete(t.objects, h)
	return true
}

func (t *objectTable) len() int {
	return len(t.objects)
}

func (t *objectTable) reset() {
	t.objects = make(map[Handle]Object)
}

// fds lists registered descriptors in ascending order.
func (t *objectTable) fds() []int {
	fds := make([]int, 0, len(t.objects))
	for h := range t.objects {
		fds = append(fds, h.Fd())
	}
	sort.Ints(fds)
	return fds
}
