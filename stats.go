package mtd

import "sync"

// EccStats are cumulative error correction counters.
type EccStats struct {
	Corrected uint32 `json:"corrected" yaml:"corrected"` // corrected bits
	Failed    uint32 `json:"failed" yaml:"failed"`       // uncorrectable errors
	BadBlocks uint32 `json:"badblocks" yaml:"badblocks"`
	BBTBlocks uint32 `json:"bbtblocks" yaml:"bbtblocks"` // blocks reserved for bad block tables
}

// ReqStats are the ECC statistics of a single read request, filled in by
// the backend.
type ReqStats struct {
	UncorrectableErrors uint32
	CorrectedBitflips   uint32
	// MaxBitflips is the largest corrected bit count of any ECC step read.
	MaxBitflips uint32
}

// StatsTracker accumulates ECC statistics for one device.
type StatsTracker struct {
	mu        sync.Mutex
	total     EccStats
	last      ReqStats
	threshold uint32
	badBlocks map[uint32]struct{}
}

func newStatsTracker(threshold, bbtBlocks uint32) *StatsTracker {
	return &StatsTracker{
		threshold: threshold,
		total:     EccStats{BBTBlocks: bbtBlocks},
		badBlocks: make(map[uint32]struct{}),
	}
}

// markBad counts erase block as bad. Each block is counted once.
func (t *StatsTracker) markBad(block uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.badBlocks[block]; ok {
		return
	}
	t.badBlocks[block] = struct{}{}
	t.total.BadBlocks++
}

// Record adds delta to the running totals.
func (t *StatsTracker) Record(delta EccStats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.Corrected += delta.Corrected
	t.total.Failed += delta.Failed
	t.total.BadBlocks += delta.BadBlocks
	t.total.BBTBlocks += delta.BBTBlocks
}

// Observe records the statistics of a completed read and makes it the most
// recent read for IsReliable.
func (t *StatsTracker) Observe(req ReqStats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total.Corrected += req.CorrectedBitflips
	t.total.Failed += req.UncorrectableErrors
	t.last = req
}

// Totals returns a snapshot of the running totals.
func (t *StatsTracker) Totals() EccStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Last returns the statistics of the most recent observed read.
func (t *StatsTracker) Last() ReqStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Threshold returns the bitflip threshold.
func (t *StatsTracker) Threshold() uint32 {
	return t.threshold
}

// IsReliable is false when the most recent read corrected more bits in one
// ECC step than the bitflip threshold allows, or hit an uncorrectable error.
// Such data was returned but should be treated as degraded.
func (t *StatsTracker) IsReliable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last.UncorrectableErrors == 0 && t.last.MaxBitflips <= t.threshold
}
