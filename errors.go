package mtd

import (
	"errors"
	"fmt"
)

// Caller errors. These are never retried.
var (
	// ErrOutOfRange indicates an address or address+length beyond the device,
	// including ranges whose end overflows.
	ErrOutOfRange = errors.New("mtd: address out of range")
	ErrMisaligned = errors.New("mtd: misaligned address or length")
	ErrReadOnly   = errors.New("mtd: device is not writeable")
	ErrNotErased  = errors.New("mtd: program target is not erased")
)

// Device errors.
var (
	// ErrIO indicates a backend primitive reported a hardware failure.
	ErrIO = errors.New("mtd: i/o error")

	// ErrVerifyMismatch indicates post-program readback differed from the
	// data handed to the backend. It matches ErrIO under errors.Is.
	ErrVerifyMismatch = fmt.Errorf("%w: verify mismatch", ErrIO)
	ErrUncorrectable  = fmt.Errorf("%w: uncorrectable ecc error", ErrIO)
	ErrBadBlock       = fmt.Errorf("%w: bad erase block", ErrIO)
	ErrWriteProtected = fmt.Errorf("%w: write protected", ErrIO)

	ErrTimeout      = errors.New("mtd: timed out waiting for device ready")
	ErrNotSupported = errors.New("mtd: operation not supported by backend")

	// ErrBusy indicates the device exclusion lock could not be obtained.
	ErrBusy = errors.New("mtd: device busy")
)

// deviceError wraps a backend error as ErrIO unless it already belongs to
// the taxonomy above.
func deviceError(op string, addr uint32, err error) error {
	if err == nil {
		return nil
	}
	if isTaxonomy(err) {
		return fmt.Errorf("%s at %#x: %w", op, addr, err)
	}
	return fmt.Errorf("%w: %s at %#x: %w", ErrIO, op, addr, err)
}

func isTaxonomy(err error) bool {
	for _, target := range []error{
		ErrIO, ErrTimeout, ErrNotSupported, ErrBusy,
		ErrOutOfRange, ErrMisaligned, ErrReadOnly, ErrNotErased,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Reason returns a short stable label for err, used in logs and metrics.
// Verify mismatches are distinguished from other i/o errors.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	case errors.Is(err, ErrMisaligned):
		return "misaligned"
	case errors.Is(err, ErrReadOnly):
		return "read_only"
	case errors.Is(err, ErrNotErased):
		return "not_erased"
	case errors.Is(err, ErrVerifyMismatch):
		return "verify_mismatch"
	case errors.Is(err, ErrUncorrectable):
		return "uncorrectable"
	case errors.Is(err, ErrBadBlock):
		return "bad_block"
	case errors.Is(err, ErrWriteProtected):
		return "write_protected"
	case errors.Is(err, ErrIO):
		return "io_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	case errors.Is(err, ErrBusy):
		return "busy"
	}
	return "error"
}
