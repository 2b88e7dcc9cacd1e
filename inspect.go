package segstore

// InspectMode selects what an inspection does.
type InspectMode int

const (
	// QuickCheck verifies every device-block exists with the right size.
	QuickCheck InspectMode = iota + 1
	// QuickRepair replaces missing or mis-sized device-blocks.
	QuickRepair
	// ScanCheck additionally compares per-chunk consistency tags.
	ScanCheck
	// ScanRepair rebuilds stripes whose tags disagree.
	ScanRepair
	// FullCheck reads and verifies every stripe.
	FullCheck
	// FullRepair rewrites every stripe that needs it.
	FullRepair
	// Migrate relocates device-blocks that violate the placement policy.
	Migrate
	// SoftErrors returns the soft error counter.
	SoftErrors
	// HardErrors returns the hard error counter.
	HardErrors
	// WriteErrors returns the summed per-block write error counters.
	WriteErrors
)

// IsRepair reports whether the mode modifies the segment.
func (m InspectMode) IsRepair() bool {
	return m == QuickRepair || m == ScanRepair || m == FullRepair
}

// Check returns the non-repairing mode of the same depth.
func (m InspectMode) Check() InspectMode {
	switch m {
	case QuickRepair:
		return QuickCheck
	case ScanRepair:
		return ScanCheck
	case FullRepair:
		return FullCheck
	}
	return m
}

func (m InspectMode) String() string {
	switch m {
	case QuickCheck:
		return "quick-check"
	case QuickRepair:
		return "quick-repair"
	case ScanCheck:
		return "scan-check"
	case ScanRepair:
		return "scan-repair"
	case FullCheck:
		return "full-check"
	case FullRepair:
		return "full-repair"
	case Migrate:
		return "migrate"
	case SoftErrors:
		return "soft-errors"
	case HardErrors:
		return "hard-errors"
	case WriteErrors:
		return "write-errors"
	}
	return "unknown"
}

// InspectFlag modifies an inspection.
type InspectFlag int

const (
	// SoftErrorFail counts blocks whose location vanished from placement as misplaced.
	SoftErrorFail InspectFlag = 1 << iota
	// ForceReconstruction replaces misplaced blocks with blank ones instead of copying them.
	ForceReconstruction
	// FailOnError stops a full pass at the first bad stripe.
	FailOnError
	// FixReadErrors treats blocks with read errors as lost.
	FixReadErrors
	// FixWriteErrors treats blocks with write errors as lost.
	FixWriteErrors
	// ForceRepair accepts device replacement underneath an erasure layer.
	ForceRepair
)

// InspectRequest describes one inspection. A nil Range covers the whole segment.
type InspectRequest struct {
	Mode  InspectMode
	Flags InspectFlag
	// Query is and'ed with the segment's own placement policy.
	Query Query
	Range *Range
}

// Has reports whether flag f is set.
func (r InspectRequest) Has(f InspectFlag) bool {
	return r.Flags&f != 0
}

// InspectResult is the structured outcome of an inspection.
type InspectResult struct {
	// DevicesReplaced is the worst per-row count of lost (or replaced, when repairing) device-blocks.
	DevicesReplaced int
	// RowsReplaced holds the per-row lost counts, in row order.
	RowsReplaced []int
	// Repaired counts device-blocks that were successfully replaced.
	Repaired int
	// Misplaced counts device-blocks that violate the placement policy.
	Misplaced int
	// Migrated counts device-blocks that were relocated.
	Migrated int
	// BadStripes counts stripes found inconsistent.
	BadStripes int64
	// Unrecoverable counts stripes that could not be reconstructed.
	Unrecoverable int64
	// Count carries the counter value for the error-counter modes.
	Count int64

	HardError      bool
	MigrateError   bool
	ParityExceeded bool
}

// CloneMode selects what Clone copies.
type CloneMode int

const (
	// CloneStructure replicates the segment's geometry only.
	CloneStructure CloneMode = iota
	// CloneData also copies the payload.
	CloneData
)
