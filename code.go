package aiop

import "strings"

// Code is a bitmask of readiness conditions.
type Code uint16

const (
	// CodeRecv means the descriptor has incoming data.
	CodeRecv Code = 1 << iota
	// CodeSend means the descriptor is writable.
	CodeSend
	// CodeAcpt means a listening socket has a pending connection.
	// It rides the read-readiness signal.
	CodeAcpt
	// CodeConn means a non-blocking connect has completed.
	// It rides the write-readiness signal.
	CodeConn
	// CodeErr is set by backends on error or hangup, it is never requested.
	CodeErr
)

const (
	readCodes  = CodeRecv | CodeAcpt
	writeCodes = CodeSend | CodeConn
	interest   = readCodes | writeCodes
)

// Normalize pairs ACPT with RECV and CONN with SEND.
func (c Code) Normalize() Code {
	if c&CodeAcpt != 0 {
		c |= CodeRecv
	}
	if c&CodeConn != 0 {
		c |= CodeSend
	}
	return c
}

// WantsRead reports whether the code needs the read direction.
func (c Code) WantsRead() bool {
	return c&readCodes != 0
}

// WantsWrite reports whether the code needs the write direction.
func (c Code) WantsWrite() bool {
	return c&writeCodes != 0
}

// valid reports whether c may be used for a registration.
func (c Code) valid() bool {
	return c != 0 && c&^interest == 0
}

// Ready builds the code observed for a registration with code c.
// The ERR fallback turns on both directions so callers never miss a failed descriptor.
func (c Code) Ready(readable, writable, failed bool) Code {
	var out Code
	if readable && c.WantsRead() {
		out |= CodeRecv
		if c&CodeAcpt != 0 {
			out |= CodeAcpt
		}
	}
	if writable && c.WantsWrite() {
		out |= CodeSend
		if c&CodeConn != 0 {
			out |= CodeConn
		}
	}
	if failed {
		out |= CodeErr
		if out&(CodeRecv|CodeSend) == 0 {
			out |= CodeRecv | CodeSend
		}
	}
	return out
}

var codeNames = []struct {
	code Code
	name string
}{
	{CodeRecv, "recv"},
	{CodeSend, "send"},
	{CodeAcpt, "acpt"},
	{CodeConn, "conn"},
	{CodeErr, "err"},
}

func (c Code) String() string {
	if c == 0 {
		return "none"
	}
	names := make([]string, 0, len(codeNames))
	for _, n := range codeNames {
		if c&n.code != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// Handle identifies one OS descriptor. It stores fd+1 so the zero Handle
// means "no handle" while descriptor 0 stays usable.
type Handle uintptr

// NewHandle wraps a descriptor.
func NewHandle(fd int) (Handle, error) {
	if fd < 0 {
		return 0, ErrInvalidHandle
	}
	return Handle(fd + 1), nil
}

// Fd returns the descriptor, or -1 for the zero Handle.
func (h Handle) Fd() int {
	return int(h) - 1
}

// Valid reports whether h refers to a descriptor.
func (h Handle) Valid() bool {
	return h != 0
}

// Object is a registration: a handle, its interest code and opaque user data.
type Object struct {
	Handle Handle
	Code   Code
	Data   interface{}
}

// Event is a readiness report produced by Wait. It is only valid until the next Wait.
type Event struct {
	Handle Handle
	Code   Code
	Data   interface{}
}
