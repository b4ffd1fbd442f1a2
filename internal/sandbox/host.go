package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/synnergy-network/chainkernel/internal/capability"
	"github.com/synnergy-network/chainkernel/internal/txcache"
)

// InvocationState is a node in the sandbox invocation state machine.
type InvocationState int

const (
	StateCreated InvocationState = iota
	StateValidated
	StateReady
	StateRunning
	StateReturned
	StateDone
	StateAborted
)

// Abort reasons, surfaced in Result.Error for an Aborted invocation.
var (
	ErrModuleLoadFailure   = errors.New("sandbox: module load failure")
	ErrMissingImport       = errors.New("sandbox: missing required export")
	ErrWasmTrap            = errors.New("sandbox: wasm trap")
	ErrOutputDecodeFailure = errors.New("sandbox: output decode failure")
	ErrTimeout             = errors.New("sandbox: invocation timeout")
)

// Event is a module-emitted log entry attached to an invocation's result.
type Event struct {
	EventType  string          `json:"event_type"`
	Attributes []EventAttr     `json:"attributes"`
}

// EventAttr is one key/value attribute of an Event.
type EventAttr struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Index bool   `json:"index"`
}

// Result is the outcome of one sandbox invocation.
type Result struct {
	Success bool            `json:"success"`
	GasUsed uint64          `json:"gas_used"`
	Events  []Event         `json:"events,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// outputEnvelope is what a module's invoke export must produce.
type outputEnvelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Events  []Event         `json:"events,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ViewResolver resolves a namespace name to its current mutable store view,
// e.g. a block-scoped or nested transactional cache. The sandbox host never
// owns state; it always borrows a view supplied by the driver for the
// duration of one invocation.
type ViewResolver func(namespace string) (txcache.View, error)

// Host is the sandbox host (C8): it instantiates a fresh wasmer.Instance per
// invocation, exposes the host ABI under the "env" import namespace, and
// enforces gas and capability policy before any state effect.
type Host struct {
	engine *wasmer.Engine
	caps   *capability.Table
	log    *logrus.Entry
}

// NewHost constructs a sandbox host backed by a fresh Wasmer engine, bound
// to the process-wide capability table.
func NewHost(caps *capability.Table, log *logrus.Entry) *Host {
	return &Host{engine: wasmer.NewEngine(), caps: caps, log: log.WithField("component", "sandbox")}
}

// openHandle records which namespace and access mode a handle was opened
// against, so every subsequent ABI call on it can be independently
// capability-checked.
type openHandle struct {
	namespace string
	write     bool
}

// invocation carries the per-call mutable state shared by every host ABI
// function registered for one wasmer.Instance.
type invocation struct {
	mem       *wasmer.Memory
	alloc     wasmer.NativeFunction
	module    string
	keyPrefix string
	gas       *GasMeter
	registry  *Registry
	handles   map[HandleID]openHandle
	resolve   ViewResolver
	caps      *capability.Table
	events    []Event
	mu        sync.Mutex
	aborted   error
}

// writeJSON marshals v, asks the module's own allocator for a destination
// buffer, writes the bytes there, and packs (ptr<<32 | len) for return
// across the host/module boundary in a single i64, avoiding any dependence
// on multi-value wasm.
func (inv *invocation) writeJSON(v interface{}) (int64, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	ptrRaw, err := inv.alloc(int32(len(b)))
	if err != nil {
		return 0, err
	}
	ptr, ok := toI32(ptrRaw)
	if !ok {
		return 0, fmt.Errorf("sandbox: alloc returned non-i32")
	}
	inv.write(ptr, b)
	return int64(ptr)<<32 | int64(uint32(len(b))), nil
}

func (inv *invocation) read(ptr, ln int32) []byte {
	data := inv.mem.Data()
	out := make([]byte, ln)
	copy(out, data[ptr:ptr+ln])
	return out
}

func (inv *invocation) write(ptr int32, b []byte) {
	copy(inv.mem.Data()[ptr:], b)
}

// Invoke validates wasmBytes, instantiates a fresh module, frames input as a
// single JSON document, and runs it to completion (or abort) under gasLimit
// and deadline. keyPrefix is the module's own configured key prefix: every
// handle state_open opens during this invocation is scoped under it, not
// the bare namespace root. State writes made through the host ABI go
// directly into the views resolve returns, and an Aborted outcome does not
// undo writes the module made before the abort.
func (h *Host) Invoke(ctx context.Context, module string, wasmBytes []byte, keyPrefix string, input interface{}, gasLimit uint64, deadline time.Duration, resolve ViewResolver) (Result, InvocationState) {
	state := StateCreated

	inputBytes, err := json.Marshal(input)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, StateAborted
	}

	store := wasmer.NewStore(h.engine)
	mod, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		h.log.WithError(err).Warn("module validation failed")
		return Result{Success: false, Error: fmt.Errorf("%w: %v", ErrModuleLoadFailure, err).Error()}, StateAborted
	}
	state = StateValidated

	gas := NewGasMeter(gasLimit)
	if gasLimit == 0 {
		return Result{Success: false, GasUsed: 0, Error: ErrOutOfGas.Error()}, StateAborted
	}

	inv := &invocation{
		module:    module,
		keyPrefix: keyPrefix,
		gas:       gas,
		registry:  NewRegistry(),
		handles:   make(map[HandleID]openHandle),
		resolve:   resolve,
		caps:      h.caps,
	}

	imports := registerHostABI(store, inv)
	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("%w: %v", ErrMissingImport, err).Error()}, StateAborted
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("%w: memory export missing", ErrMissingImport).Error()}, StateAborted
	}
	inv.mem = mem

	allocFn, err := instance.Exports.GetFunction("alloc")
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("%w: alloc export missing", ErrMissingImport).Error()}, StateAborted
	}
	invokeFn, err := instance.Exports.GetFunction("invoke")
	if err != nil {
		return Result{Success: false, Error: fmt.Errorf("%w: invoke export missing", ErrMissingImport).Error()}, StateAborted
	}
	inv.alloc = allocFn
	state = StateReady

	inPtrRaw, err := allocFn(int32(len(inputBytes)))
	if err != nil {
		return Result{Success: false, GasUsed: gas.Used(), Error: fmt.Errorf("%w: %v", ErrWasmTrap, err).Error()}, StateAborted
	}
	inPtr, ok := toI32(inPtrRaw)
	if !ok {
		return Result{Success: false, GasUsed: gas.Used(), Error: fmt.Errorf("%w: alloc returned non-i32", ErrWasmTrap).Error()}, StateAborted
	}
	inv.write(inPtr, inputBytes)

	state = StateRunning
	type callResult struct {
		packed interface{}
		err    error
	}
	done := make(chan callResult, 1)
	go func() {
		packed, err := invokeFn(inPtr, int32(len(inputBytes)))
		done <- callResult{packed: packed, err: err}
	}()

	select {
	case <-time.After(deadline):
		return Result{Success: false, GasUsed: gas.Used(), Error: ErrTimeout.Error()}, StateAborted
	case <-ctx.Done():
		return Result{Success: false, GasUsed: gas.Used(), Error: ctx.Err().Error()}, StateAborted
	case res := <-done:
		if inv.aborted != nil {
			return Result{Success: false, GasUsed: gas.Used(), Error: inv.aborted.Error()}, StateAborted
		}
		if res.err != nil {
			return Result{Success: false, GasUsed: gas.Used(), Error: fmt.Errorf("%w: %v", ErrWasmTrap, res.err).Error()}, StateAborted
		}
		packed, ok := toI64(res.packed)
		if !ok {
			return Result{Success: false, GasUsed: gas.Used(), Error: fmt.Errorf("%w: invoke returned non-i64", ErrWasmTrap).Error()}, StateAborted
		}
		outPtr := int32(packed >> 32)
		outLen := int32(packed & 0xFFFFFFFF)
		state = StateReturned

		outBytes := inv.read(outPtr, outLen)
		var env outputEnvelope
		if err := json.Unmarshal(outBytes, &env); err != nil {
			return Result{Success: false, GasUsed: gas.Used(), Error: fmt.Errorf("%w: %v", ErrOutputDecodeFailure, err).Error()}, StateAborted
		}
		state = StateDone
		return Result{
			Success: env.Success,
			GasUsed: gas.Used(),
			Events:  append(inv.events, env.Events...),
			Payload: env.Payload,
			Error:   env.Error,
		}, state
	}
}

func toI32(v interface{}) (int32, bool) {
	switch x := v.(type) {
	case int32:
		return x, true
	case wasmer.Value:
		return x.I32(), true
	default:
		return 0, false
	}
}

func toI64(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case wasmer.Value:
		return x.I64(), true
	default:
		return 0, false
	}
}
