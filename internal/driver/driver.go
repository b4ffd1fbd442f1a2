// Package driver implements the state-machine driver (C9): the block
// pipeline that turns a sequence of raw transactions into committed state,
// invoking the five fixed-role Wasm modules through the sandbox host and
// mediating every state effect through the state manager's nested
// transactional caches.
package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-network/chainkernel/core"
	"github.com/synnergy-network/chainkernel/internal/merkle"
	"github.com/synnergy-network/chainkernel/internal/sandbox"
	"github.com/synnergy-network/chainkernel/internal/statemgr"
	"github.com/synnergy-network/chainkernel/internal/txcache"
)

// Result codes returned to RPC callers. Zero is success.
const (
	CodeSuccess            uint32 = 0
	CodeDecodeError        uint32 = 1
	CodeUnauthorized       uint32 = 2
	CodeInsufficientFunds  uint32 = 3
	CodeOutOfGas           uint32 = 4
	CodeInvalidSequence    uint32 = 5
	CodeInternal           uint32 = 99
)

// ErrFatal wraps a Sandbox Host or infrastructure failure that aborts the
// whole block; the driver must not advance height when this is returned.
var ErrFatal = errors.New("driver: fatal block error")

// TxResult is one transaction's outcome within FinalizeBlock's tx_results.
type TxResult struct {
	Code    uint32          `json:"code"`
	Log     string          `json:"log"`
	GasUsed uint64          `json:"gas_used"`
	Events  []sandbox.Event `json:"events,omitempty"`
	Data    []byte          `json:"data,omitempty"`
}

// FinalizeBlockResult is the response to the consensus peer's FinalizeBlock
// request.
type FinalizeBlockResult struct {
	TxResults             []TxResult      `json:"tx_results"`
	ValidatorUpdates       json.RawMessage `json:"validator_updates,omitempty"`
	ConsensusParamUpdates  json.RawMessage `json:"consensus_param_updates,omitempty"`
	AppHash                merkle.Hash     `json:"app_hash"`
	Events                 []sandbox.Event `json:"events,omitempty"`
}

// CheckTxResult is the response to a CheckTx request.
type CheckTxResult struct {
	Code      uint32          `json:"code"`
	Log       string          `json:"log"`
	GasWanted uint64          `json:"gas_wanted"`
	GasUsed   uint64          `json:"gas_used"`
	Events    []sandbox.Event `json:"events,omitempty"`
}

// Driver owns the block pipeline. Exactly one exists per process.
type Driver struct {
	mu      sync.Mutex
	mgr     *statemgr.Manager
	host    *sandbox.Host
	modules Modules
	deadline time.Duration
	chainID string
	log     *logrus.Entry

	lastHeight  uint64
	lastAppHash merkle.Hash
	heightToAppHash map[uint64]merkle.Hash
}

// New constructs a driver around mgr and host, configured with the module
// set it will invoke for every block.
func New(mgr *statemgr.Manager, host *sandbox.Host, modules Modules, chainID string, deadline time.Duration, log *logrus.Entry) *Driver {
	return &Driver{
		mgr:             mgr,
		host:            host,
		modules:         modules,
		deadline:        deadline,
		chainID:         chainID,
		log:             log.WithField("component", "driver"),
		heightToAppHash: make(map[uint64]merkle.Hash),
	}
}

// nestedView wraps a parent resolver with per-namespace nested caches,
// created lazily on first touch. flush pushes every nested cache's pending
// writes down into the parent (the block cache); discard drops them.
type nestedView struct {
	parent  sandbox.ViewResolver
	caches  map[string]*txcache.Cache
}

func newNestedView(parent sandbox.ViewResolver) *nestedView {
	return &nestedView{parent: parent, caches: make(map[string]*txcache.Cache)}
}

func (n *nestedView) resolve(ns string) (txcache.View, error) {
	if c, ok := n.caches[ns]; ok {
		return c, nil
	}
	base, err := n.parent(ns)
	if err != nil {
		return nil, err
	}
	c := txcache.New(base)
	n.caches[ns] = c
	return c, nil
}

func (n *nestedView) flush() error {
	for ns, c := range n.caches {
		if err := c.Write(); err != nil {
			return fmt.Errorf("flush namespace %q: %w", ns, err)
		}
	}
	return nil
}

func (n *nestedView) discard() {
	for _, c := range n.caches {
		c.Discard()
	}
}

func (d *Driver) blockResolve(ns string) (txcache.View, error) {
	return d.mgr.GetMut(ns)
}

// invoke runs rec's Wasm bytes through the sandbox host, passing along its
// configured key prefix so state_open scopes the module to its own slice of
// the namespace instead of the namespace root, and capping the block gas
// limit at the module's own gas_limit when one is configured.
func (d *Driver) invoke(ctx context.Context, role string, rec ModuleRecord, input interface{}, blockGasLimit uint64, resolve sandbox.ViewResolver) (sandbox.Result, sandbox.InvocationState) {
	return d.host.Invoke(ctx, role, rec.Code, rec.KeyPrefix, input, effectiveGasLimit(blockGasLimit, rec.GasLimit), d.deadline, resolve)
}

// effectiveGasLimit bounds the block's gas limit by a module's own
// configured ceiling, when one is set; a zero module limit means the module
// carries no ceiling of its own and runs under the full block limit.
func effectiveGasLimit(blockLimit, moduleLimit uint64) uint64 {
	if moduleLimit > 0 && moduleLimit < blockLimit {
		return moduleLimit
	}
	return blockLimit
}

// FinalizeBlock runs the full block pipeline for height bctx.Height against
// rawTxs, returning the resulting app hash or a fatal error.
func (d *Driver) FinalizeBlock(ctx context.Context, bctx core.BlockContext, lastCommitInfo json.RawMessage, byzantine []json.RawMessage, rawTxs [][]byte) (*FinalizeBlockResult, error) {
	if err := bctx.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid block context: %v", ErrFatal, err)
	}
	if bctx.ChainID != d.chainID {
		return nil, fmt.Errorf("%w: chain id mismatch: got %q, want %q", ErrFatal, bctx.ChainID, d.chainID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// OpenBlock: assert no pending changes from an aborted prior attempt.
	d.mgr.BeginBlock()

	var blockEvents []sandbox.Event

	beginInput := map[string]interface{}{
		"header": map[string]interface{}{
			"height":             bctx.Height,
			"time":               bctx.TimeUnix,
			"chain_id":           bctx.ChainID,
			"proposer_address":   bctx.Proposer.String(),
			"last_block_hash":    d.lastAppHash.String(),
			"app_hash":           d.lastAppHash.String(),
		},
		"last_commit_info":    lastCommitInfo,
		"byzantine_validators": byzantine,
	}
	res, state := d.invoke(ctx, "beginblock", d.modules.BeginBlock, beginInput, bctx.GasLimit, d.blockResolve)
	if state != sandbox.StateDone || !res.Success {
		d.mgr.Rollback()
		return nil, fmt.Errorf("%w: begin-block: %s", ErrFatal, res.Error)
	}
	blockEvents = append(blockEvents, res.Events...)

	txResults := make([]TxResult, 0, len(rawTxs))
	for i, rawTx := range rawTxs {
		result := d.runTransaction(ctx, bctx, i, rawTx)
		txResults = append(txResults, result)
	}

	endInput := map[string]interface{}{
		"height":           bctx.Height,
		"time":             bctx.TimeUnix,
		"chain_id":         bctx.ChainID,
		"total_power":      nil,
		"proposer_address": bctx.Proposer.String(),
		"module_state": map[string]interface{}{
			"pending_validator_updates": []interface{}{},
			"active_proposals":         []interface{}{},
			"inflation_rate":           0,
			"last_reward_height":       d.lastHeight,
		},
	}
	res, state = d.invoke(ctx, "endblock", d.modules.EndBlock, endInput, bctx.GasLimit, d.blockResolve)
	if state != sandbox.StateDone || !res.Success {
		d.mgr.Rollback()
		return nil, fmt.Errorf("%w: end-block: %s", ErrFatal, res.Error)
	}
	blockEvents = append(blockEvents, res.Events...)

	root, _, err := d.mgr.Commit()
	if err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrFatal, err)
	}
	d.lastHeight = bctx.Height
	d.lastAppHash = root
	d.heightToAppHash[bctx.Height] = root

	return &FinalizeBlockResult{
		TxResults:             txResults,
		ValidatorUpdates:       extractField(res.Payload, "validator_updates"),
		ConsensusParamUpdates: extractField(res.Payload, "consensus_param_updates"),
		AppHash:               root,
		Events:                blockEvents,
	}, nil
}

func extractField(payload json.RawMessage, field string) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil
	}
	return m[field]
}

// runTransaction executes one tx's decode/validate/execute pipeline,
// producing a per-tx result and never aborting the block on a non-fatal
// failure.
func (d *Driver) runTransaction(ctx context.Context, bctx core.BlockContext, index int, rawTx []byte) TxResult {
	noState := func(string) (txcache.View, error) {
		return nil, fmt.Errorf("decode-tx may not access state")
	}
	decodeInput := map[string]interface{}{
		"tx_bytes": base64.StdEncoding.EncodeToString(rawTx),
		"encoding": "base64",
		"validate": true,
	}
	res, state := d.invoke(ctx, "decodetx", d.modules.DecodeTx, decodeInput, bctx.GasLimit, noState)
	if state != sandbox.StateDone || !res.Success {
		return TxResult{Code: CodeDecodeError, Log: res.Error}
	}
	decodedTx := extractField(res.Payload, "decoded_tx")

	validateNested := newNestedView(d.blockResolve)
	validateInput := map[string]interface{}{"context": bctx, "tx": decodedTx}
	res, state = d.invoke(ctx, "validatetx", d.modules.ValidateTx, validateInput, bctx.GasLimit, validateNested.resolve)
	if state != sandbox.StateDone || !res.Success {
		validateNested.discard()
		return TxResult{Code: mapFailureCode(res.Error), Log: res.Error, GasUsed: res.GasUsed, Events: res.Events}
	}
	if err := validateNested.flush(); err != nil {
		return TxResult{Code: CodeInternal, Log: err.Error()}
	}

	executeNested := newNestedView(d.blockResolve)
	executeInput := map[string]interface{}{"context": bctx, "tx": decodedTx}
	res, state = d.invoke(ctx, "executetx", d.modules.ExecuteTx, executeInput, bctx.GasLimit, executeNested.resolve)
	if state != sandbox.StateDone || !res.Success {
		executeNested.discard()
		return TxResult{Code: mapFailureCode(res.Error), Log: res.Error, GasUsed: res.GasUsed, Events: res.Events}
	}
	if err := executeNested.flush(); err != nil {
		return TxResult{Code: CodeInternal, Log: err.Error()}
	}

	var data []byte
	if len(res.Payload) > 0 {
		var out struct {
			Data string `json:"data"`
		}
		if json.Unmarshal(res.Payload, &out) == nil && out.Data != "" {
			data, _ = base64.StdEncoding.DecodeString(out.Data)
		}
	}
	return TxResult{Code: CodeSuccess, GasUsed: res.GasUsed, Events: res.Events, Data: data}
}

func mapFailureCode(errMsg string) uint32 {
	switch errMsg {
	case "PermissionDenied":
		return CodeUnauthorized
	case sandbox.ErrOutOfGas.Error():
		return CodeOutOfGas
	default:
		return CodeInternal
	}
}

// CheckTx runs decode-tx then validate-tx against a throwaway cache layered
// over the last committed state, never touching the block cache.
func (d *Driver) CheckTx(ctx context.Context, rawTx []byte, gasLimit uint64) CheckTxResult {
	noState := func(string) (txcache.View, error) {
		return nil, fmt.Errorf("decode-tx may not access state")
	}
	decodeInput := map[string]interface{}{
		"tx_bytes": base64.StdEncoding.EncodeToString(rawTx),
		"encoding": "base64",
		"validate": true,
	}
	res, state := d.invoke(ctx, "decodetx", d.modules.DecodeTx, decodeInput, gasLimit, noState)
	if state != sandbox.StateDone || !res.Success {
		return CheckTxResult{Code: CodeDecodeError, Log: res.Error, GasWanted: gasLimit}
	}
	decodedTx := extractField(res.Payload, "decoded_tx")

	readOnlyResolve := func(ns string) (txcache.View, error) {
		return d.mgr.Get(ns)
	}
	nested := newNestedView(readOnlyResolve)
	validateInput := map[string]interface{}{"context": nil, "tx": decodedTx}
	res, state = d.invoke(ctx, "validatetx", d.modules.ValidateTx, validateInput, gasLimit, nested.resolve)
	if state != sandbox.StateDone || !res.Success {
		return CheckTxResult{Code: mapFailureCode(res.Error), Log: res.Error, GasWanted: gasLimit, GasUsed: res.GasUsed, Events: res.Events}
	}
	return CheckTxResult{Code: CodeSuccess, GasWanted: gasLimit, GasUsed: res.GasUsed, Events: res.Events}
}

// LastCommitted returns the most recently committed height and app hash.
func (d *Driver) LastCommitted() (uint64, merkle.Hash) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastHeight, d.lastAppHash
}

// AppHashAt returns the app hash recorded at height, if known.
func (d *Driver) AppHashAt(height uint64) (merkle.Hash, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.heightToAppHash[height]
	return h, ok
}
