//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package aiop

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// PrepareSocket makes the descriptor of h non-blocking and close-on-exec, then
// applies opts. Only the non-blocking switch is fatal; option failures are logged.
func PrepareSocket(h Handle, opts SocketOptions) error {
	if !h.Valid() {
		return ErrInvalidHandle
	}
	fd := h.Fd()
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	if opts.RecvBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBuffer); err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_RCVBUF: %+v", fd, err)
		}
	}
	if opts.SendBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffer); err != nil {
			log.Error().Msgf("[%d] got error while setting socket options SO_SNDBUF: %+v", fd, err)
		}
	}
	if opts.NoDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			log.Error().Msgf("[%d] got error while setting socket options TCP_NODELAY: %+v", fd, err)
		}
	}
	return nil
}
