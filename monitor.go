//go:build unix

package aiop

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// openFileLimit returns the soft and hard RLIMIT_NOFILE values.
func openFileLimit() (uint64, uint64, error) {
	limit := &unix.Rlimit{}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, limit); err != nil {
		return 0, 0, os.NewSyscallError("getrlimit", err)
	}
	return uint64(limit.Cur), uint64(limit.Max), nil
}

// raiseOpenFileLimit lifts the soft RLIMIT_NOFILE to want, bounded by the hard limit.
func raiseOpenFileLimit(want uint64) error {
	soft, hard, err := openFileLimit()
	if err != nil {
		return err
	}
	if soft >= want {
		return nil
	}
	if want > hard {
		log.Warn().Msgf("open files limit %d is below requested %d", hard, want)
		want = hard
	}
	limit := &unix.Rlimit{}
	setLimit(&limit.Cur, want)
	setLimit(&limit.Max, hard)
	if err = unix.Setrlimit(unix.RLIMIT_NOFILE, limit); err != nil {
		return os.NewSyscallError("setrlimit", err)
	}
	log.Debug().Msgf("open files limit raised from %d to %d", soft, want)
	return nil
}

// setLimit assigns v to an rlimit field, which is signed on some platforms.
func setLimit[T int64 | uint64](dst *T, v uint64) {
	*dst = T(v)
}
