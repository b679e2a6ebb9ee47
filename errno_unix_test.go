//go:build unix

package mtd

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestDeviceError(t *testing.T) {
	assert.NoError(t, deviceError("read", 0, nil))

	err := deviceError("read", 0x40, errInjected)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, errInjected)
	assert.Contains(t, err.Error(), "read at 0x40")

	// Taxonomy errors keep their identity and are not double wrapped.
	err = deviceError("erase", 0x1000, fmt.Errorf("sector 3: %w", ErrWriteProtected))
	assert.ErrorIs(t, err, ErrWriteProtected)
	assert.Equal(t, "write_protected", Reason(err))
	assert.Equal(t, 1, strings.Count(err.Error(), "i/o error"))
}

func TestReasonAndErrno(t *testing.T) {
	tests := []struct {
		err    error
		reason string
		errno  unix.Errno
	}{
		{nil, "ok", 0},
		{ErrOutOfRange, "out_of_range", unix.EINVAL},
		{ErrMisaligned, "misaligned", unix.EINVAL},
		{ErrReadOnly, "read_only", unix.EROFS},
		{ErrNotErased, "not_erased", unix.EIO},
		{ErrVerifyMismatch, "verify_mismatch", unix.EIO},
		{ErrUncorrectable, "uncorrectable", unix.EBADMSG},
		{ErrBadBlock, "bad_block", unix.EIO},
		{ErrWriteProtected, "write_protected", unix.EPERM},
		{ErrIO, "io_error", unix.EIO},
		{ErrTimeout, "timeout", unix.ETIMEDOUT},
		{ErrNotSupported, "not_supported", unix.EOPNOTSUPP},
		{ErrBusy, "busy", unix.EBUSY},
		{errors.New("other"), "error", unix.EIO},
	}
	for _, tc := range tests {
		wrapped := tc.err
		if wrapped != nil {
			wrapped = fmt.Errorf("op: %w", tc.err)
		}
		assert.Equal(t, tc.reason, Reason(wrapped), "%v", tc.err)
		assert.Equal(t, -int(tc.errno), Errno(wrapped), "%v", tc.err)
	}
}
