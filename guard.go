package mtd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// acquire takes weight units of the device exclusion semaphore. The returned
// func releases them and must be called exactly once.
func (d *Device) acquire(ctx context.Context, weight int64) (func(), error) {
	if d.noWait {
		if !d.sem.TryAcquire(weight) {
			return nil, ErrBusy
		}
	} else if err := d.sem.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return func() { d.sem.Release(weight) }, nil
}

// shared runs a read-side operation. Reads are exclusive unless the backend
// advertises concurrent reads.
func (d *Device) shared(ctx context.Context, fn func() error) error {
	release, err := d.acquire(ctx, d.readWeight)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// exclusive runs fn with the device held exclusively.
func (d *Device) exclusive(ctx context.Context, fn func() error) error {
	release, err := d.acquire(ctx, maxReaders)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// modify runs fn with the device held exclusively and the bank write-protect
// latch open. The latch is closed and the lock released on every return path.
// Once the lock is held fn always runs to completion; a context deadline that
// passes meanwhile is only logged.
func (d *Device) modify(ctx context.Context, op Op, fn func() error) (err error) {
	release, err := d.acquire(ctx, maxReaders)
	if err != nil {
		return err
	}
	defer release()

	if d.wp != nil {
		if werr := d.wp.EnableWrites(); werr != nil {
			return fmt.Errorf("%w: unlock write protection: %w", ErrIO, werr)
		}
		defer func() {
			if werr := d.wp.DisableWrites(); werr != nil {
				err = multierr.Append(err,
					fmt.Errorf("%w: relock write protection: %w", ErrIO, werr))
			}
		}()
	}

	err = fn()

	if ctx.Err() != nil {
		d.log.Warn().
			Str("op", string(op)).
			Err(ctx.Err()).
			Msg("Deadline passed during in-flight operation")
	}
	return err
}

// waitReady polls a StatusPoller backend until it reports ready, within the
// configured timeout.
func (d *Device) waitReady(op Op, addr uint32) error {
	if d.poller == nil {
		return nil
	}

	deadline := time.Now().Add(d.pollTimeout)
	for {
		busy, err := d.poller.Busy()
		if err != nil {
			return deviceError(string(op)+" status", addr, err)
		}
		if !busy {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s at %#x after %v", ErrTimeout, op, addr, d.pollTimeout)
		}
		time.Sleep(d.pollInterval)
	}
}

// observe reports a finished operation to the observer and the debug log.
func (d *Device) observe(op Op, addr uint32, n int, start time.Time, err error) {
	elapsed := time.Since(start)
	d.observer.ObserveOp(d.info.Name, op, n, elapsed, err)

	if err != nil {
		d.log.Warn().
			Str("op", string(op)).
			Uint32("addr", addr).
			Int("retlen", n).
			Str("reason", Reason(err)).
			Err(err).
			Msg("Flash operation failed")
		return
	}
	d.log.Debug().
		Str("op", string(op)).
		Uint32("addr", addr).
		Int("retlen", n).
		Dur("elapsed", elapsed).
		Msg("Flash operation")
}
