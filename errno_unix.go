//go:build unix

package mtd

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Errno maps err onto the negative errno return code of the C-style MTD
// contract: 0 for nil, -EINVAL for caller errors, -EIO for hardware failures.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrOutOfRange), errors.Is(err, ErrMisaligned):
		return -int(unix.EINVAL)
	case errors.Is(err, ErrReadOnly):
		return -int(unix.EROFS)
	case errors.Is(err, ErrUncorrectable):
		return -int(unix.EBADMSG)
	case errors.Is(err, ErrWriteProtected):
		return -int(unix.EPERM)
	case errors.Is(err, ErrNotErased), errors.Is(err, ErrIO):
		return -int(unix.EIO)
	case errors.Is(err, ErrTimeout):
		return -int(unix.ETIMEDOUT)
	case errors.Is(err, ErrNotSupported):
		return -int(unix.EOPNOTSUPP)
	case errors.Is(err, ErrBusy):
		return -int(unix.EBUSY)
	default:
		return -int(unix.EIO)
	}
}
