package mtd

// Backend is the primitive table a hardware driver registers. All addresses
// are relative to the start of the device.
type Backend interface {
	// Erase erases the range described by instr. The dispatcher only passes
	// block-aligned ranges that lie inside a single erase region. On partial
	// failure the backend sets instr.FailAddr to the first unerased address.
	Erase(instr *EraseInfo) error

	// Program programs exactly one native program unit at addr. addr is a
	// multiple of the unit size and len(p) equals it.
	Program(addr uint32, p []byte) error

	// Read copies len(p) bytes starting at addr.
	Read(addr uint32, p []byte) (int, error)
}

// OOBBackend is implemented by backends with out-of-band areas or ECC.
type OOBBackend interface {
	ReadOOB(from uint32, ops *OOBOps) error
	WriteOOB(to uint32, ops *OOBOps) error
}

// Locker is implemented by backends with per-range write protection.
type Locker interface {
	Lock(ofs uint32, length uint64) error
	Unlock(ofs uint32, length uint64) error
	IsLocked(ofs uint32, length uint64) (bool, error)
}

// WriteProtector is implemented by backends whose program/erase controller
// is guarded by a bank-global write-protect latch.
type WriteProtector interface {
	EnableWrites() error
	DisableWrites() error
}

// StatusPoller is implemented by backends that complete program/erase
// asynchronously in hardware and report readiness.
type StatusPoller interface {
	Busy() (bool, error)
}

// ConcurrentReader is implemented by backends that can serve reads while
// another read is in flight.
type ConcurrentReader interface {
	ConcurrentReads() bool
}

// BadBlockChecker is implemented by backends that keep bad block markers.
// The markers present at registration seed the device's bad block count.
type BadBlockChecker interface {
	IsBad(addr uint32) bool
}

// FailAddrUnknown is the EraseInfo.FailAddr sentinel.
const FailAddrUnknown = 0xFFFFFFFF

// EraseInfo is the input/output record of an erase call.
type EraseInfo struct {
	Addr     uint32
	Len      uint32
	FailAddr uint32
}

// NewEraseInfo returns an erase request with FailAddr set to FailAddrUnknown.
func NewEraseInfo(addr, length uint32) *EraseInfo {
	return &EraseInfo{Addr: addr, Len: length, FailAddr: FailAddrUnknown}
}
