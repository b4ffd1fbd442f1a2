package sandbox

// ABIOp identifies one host ABI call a Wasm module may invoke.
type ABIOp int

const (
	OpStateOpen ABIOp = iota
	OpStateGet
	OpStateSet
	OpStateDelete
	OpStateHas
	OpStateRange
	OpCapabilityCheck
	OpIPCSend
	OpEventEmit
	OpLogWrite
)

func (op ABIOp) String() string {
	switch op {
	case OpStateOpen:
		return "state.open"
	case OpStateGet:
		return "state.get"
	case OpStateSet:
		return "state.set"
	case OpStateDelete:
		return "state.delete"
	case OpStateHas:
		return "state.has"
	case OpStateRange:
		return "state.range"
	case OpCapabilityCheck:
		return "capability.check"
	case OpIPCSend:
		return "ipc.send"
	case OpEventEmit:
		return "event.emit"
	case OpLogWrite:
		return "log.write"
	default:
		return "unknown"
	}
}

// baseGasTable holds each ABI call's minimum charge, independent of any
// variable-length payload. Callers add the per-byte or per-entry component
// described alongside each constant.
var baseGasTable = map[ABIOp]uint64{
	OpStateOpen:       100,
	OpStateGet:        50,
	OpStateSet:        200,
	OpStateDelete:     100,
	OpStateHas:        50,
	OpStateRange:      100,
	OpCapabilityCheck: 10,
	OpIPCSend:         500,
	OpEventEmit:       50,
	OpLogWrite:        10,
}

// perByteGasTable holds the per-byte multiplier added on top of an ABI
// call's base cost, for calls whose cost scales with payload size.
var perByteGasTable = map[ABIOp]uint64{
	OpStateGet:    1,
	OpStateSet:    1,
	OpStateDelete: 1,
	OpEventEmit:   1,
	OpLogWrite:    1,
}

// perEntryGas is state.range's additional per-result-entry charge.
const perEntryGas uint64 = 50

// GasMeter tracks consumption against a fixed limit, used once per
// invocation and discarded.
type GasMeter struct {
	limit uint64
	used  uint64
}

// NewGasMeter constructs a meter bounded by limit.
func NewGasMeter(limit uint64) *GasMeter {
	return &GasMeter{limit: limit}
}

// ErrOutOfGas is returned by Charge once the limit would be exceeded.
var ErrOutOfGas = errOutOfGas{}

type errOutOfGas struct{}

func (errOutOfGas) Error() string { return "sandbox: out of gas" }

// Charge pre-charges cost against the remaining budget. On insufficient
// budget it consumes the remainder (so Used reports the limit, matching the
// gas-monotonicity invariant that a OutOfGas result always has
// gas_used == gas_limit) and returns ErrOutOfGas.
func (g *GasMeter) Charge(cost uint64) error {
	if g.used+cost > g.limit {
		g.used = g.limit
		return ErrOutOfGas
	}
	g.used += cost
	return nil
}

// Used returns gas consumed so far.
func (g *GasMeter) Used() uint64 { return g.used }

// Remaining returns the unspent budget.
func (g *GasMeter) Remaining() uint64 { return g.limit - g.used }

// Cost computes an ABI call's total charge given a payload size (bytes for
// get/set/delete/event/log) or an entry count (for state.range, via n).
func Cost(op ABIOp, size int) uint64 {
	cost := baseGasTable[op]
	if per, ok := perByteGasTable[op]; ok {
		cost += per * uint64(size)
	}
	if op == OpStateRange {
		cost += perEntryGas * uint64(size)
	}
	return cost
}
