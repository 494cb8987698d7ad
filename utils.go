package aiop

import (
	"syscall"
)

// HandleOf returns the Handle of a connection or listener that exposes its descriptor.
// The descriptor stays owned by conn: it must stay open while registered.
func HandleOf(conn interface{}) (Handle, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, ErrUnsupported
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var h Handle
	var herr error
	// Control guarantees the descriptor is valid while the callback runs.
	err = rc.Control(func(fd uintptr) {
		h, herr = NewHandle(int(fd))
	})
	if err != nil {
		return 0, err
	}
	return h, herr
}
