package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/synnergy-network/chainkernel/internal/capability"
	"github.com/synnergy-network/chainkernel/internal/globalstore"
	"github.com/synnergy-network/chainkernel/internal/store"
)

func jsonUnmarshal(b []byte, v interface{}) error { return json.Unmarshal(b, v) }

// errPermissionDenied is the envelope error string returned (in-band, never
// as a trap) when a module lacks the capability an ABI call requires.
var errPermissionDenied = "PermissionDenied"

type abiEnvelope struct {
	Error string `json:"error,omitempty"`

	Handle  *uint32 `json:"handle,omitempty"`
	Value   *string `json:"value_b64,omitempty"`
	Present *bool   `json:"present,omitempty"`
	Allowed *bool   `json:"allowed,omitempty"`
	Entries []rangeEntry `json:"entries,omitempty"`
}

type rangeEntry struct {
	KeyB64   string `json:"key_b64"`
	ValueB64 string `json:"value_b64"`
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func unb64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// i32fn declares a host function of the shape (in_ptr i32, in_len i32) ->
// i64 (packed out_ptr/out_len), the uniform calling convention every ABI
// entry uses.
func i32fn(wstore *wasmer.Store, fn func(inv *invocation, req []byte) (int64, error), inv *invocation) *wasmer.Function {
	return wasmer.NewFunction(
		wstore,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I64)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr, ln := args[0].I32(), args[1].I32()
			req := inv.read(ptr, ln)
			packed, err := fn(inv, req)
			if err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI64(packed)}, nil
		},
	)
}

// registerHostABI wires the host ABI functions under the "env" import
// namespace, one Wasmer function per entry.
func registerHostABI(wstore *wasmer.Store, inv *invocation) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	imports.Register("env", map[string]wasmer.IntoExtern{
		"state_open":       i32fn(wstore, hostStateOpen, inv),
		"state_get":        i32fn(wstore, hostStateGet, inv),
		"state_set":        i32fn(wstore, hostStateSet, inv),
		"state_delete":     i32fn(wstore, hostStateDelete, inv),
		"state_has":        i32fn(wstore, hostStateHas, inv),
		"state_range":      i32fn(wstore, hostStateRange, inv),
		"capability_check": i32fn(wstore, hostCapabilityCheck, inv),
		"ipc_send":         i32fn(wstore, hostIPCSend, inv),
		"event_emit":       i32fn(wstore, hostEventEmit, inv),
		"log_write":        i32fn(wstore, hostLogWrite, inv),
	})
	return imports
}

// charge pre-charges cost; on exhaustion it records the abort reason on the
// invocation (gas is charged either way) and signals the caller to trap
// execution immediately, matching the Running --exhaust--> Aborted edge.
func charge(inv *invocation, op ABIOp, size int) bool {
	if err := inv.gas.Charge(Cost(op, size)); err != nil {
		inv.aborted = err
		return false
	}
	return true
}

func hostStateOpen(inv *invocation, reqBytes []byte) (int64, error) {
	var req struct {
		Namespace string `json:"namespace"`
		Write     bool   `json:"write"`
	}
	if err := jsonUnmarshal(reqBytes, &req); err != nil {
		return 0, err
	}
	if !charge(inv, OpStateOpen, 0) {
		return 0, fmt.Errorf("out of gas")
	}

	cap := capability.Capability{Kind: capability.ReadState, Resource: req.Namespace}
	if req.Write {
		cap = capability.Capability{Kind: capability.WriteState, Resource: req.Namespace}
	}
	if !inv.caps.Has(inv.module, cap) {
		return inv.writeJSON(abiEnvelope{Error: errPermissionDenied})
	}

	view, err := inv.resolve(req.Namespace)
	if err != nil {
		return inv.writeJSON(abiEnvelope{Error: err.Error()})
	}
	h := inv.registry.Open(view, inv.module, inv.keyPrefix)
	inv.handles[h] = openHandle{namespace: req.Namespace, write: req.Write}
	hv := uint32(h)
	return inv.writeJSON(abiEnvelope{Handle: &hv})
}

func (inv *invocation) checkHandleCapability(h HandleID, needWrite bool) (string, bool) {
	oh, ok := inv.handles[h]
	if !ok {
		return "", false
	}
	kind := capability.ReadState
	if needWrite {
		kind = capability.WriteState
	}
	return oh.namespace, inv.caps.Has(inv.module, capability.Capability{Kind: kind, Resource: oh.namespace})
}

func hostStateGet(inv *invocation, reqBytes []byte) (int64, error) {
	var req struct {
		Handle uint32 `json:"handle"`
		KeyB64 string `json:"key_b64"`
	}
	if err := jsonUnmarshal(reqBytes, &req); err != nil {
		return 0, err
	}
	key := unb64(req.KeyB64)
	if !charge(inv, OpStateGet, len(key)) {
		return 0, fmt.Errorf("out of gas")
	}
	if _, ok := inv.checkHandleCapability(HandleID(req.Handle), false); !ok {
		return inv.writeJSON(abiEnvelope{Error: errPermissionDenied})
	}
	view, err := inv.registry.Resource(HandleID(req.Handle))
	if err != nil {
		return inv.writeJSON(abiEnvelope{Error: "BadHandle"})
	}
	val, present, err := view.Get(key)
	if err != nil {
		return inv.writeJSON(abiEnvelope{Error: err.Error()})
	}
	if !present {
		return inv.writeJSON(abiEnvelope{Present: boolp(false)})
	}
	vb := b64(val)
	return inv.writeJSON(abiEnvelope{Present: boolp(true), Value: &vb})
}

func hostStateSet(inv *invocation, reqBytes []byte) (int64, error) {
	var req struct {
		Handle   uint32 `json:"handle"`
		KeyB64   string `json:"key_b64"`
		ValueB64 string `json:"value_b64"`
	}
	if err := jsonUnmarshal(reqBytes, &req); err != nil {
		return 0, err
	}
	key, val := unb64(req.KeyB64), unb64(req.ValueB64)
	if !charge(inv, OpStateSet, len(key)+len(val)) {
		return 0, fmt.Errorf("out of gas")
	}
	ns, ok := inv.checkHandleCapability(HandleID(req.Handle), true)
	if !ok {
		return inv.writeJSON(abiEnvelope{Error: errPermissionDenied})
	}
	view, err := inv.registry.Resource(HandleID(req.Handle))
	if err != nil {
		return inv.writeJSON(abiEnvelope{Error: "BadHandle"})
	}
	if err := view.Set(key, val); err != nil {
		if errors.Is(err, globalstore.ErrReadOnlyNamespace) {
			return inv.writeJSON(abiEnvelope{Error: "ReadOnlyNamespace: " + ns})
		}
		return inv.writeJSON(abiEnvelope{Error: err.Error()})
	}
	return inv.writeJSON(abiEnvelope{})
}

func hostStateDelete(inv *invocation, reqBytes []byte) (int64, error) {
	var req struct {
		Handle uint32 `json:"handle"`
		KeyB64 string `json:"key_b64"`
	}
	if err := jsonUnmarshal(reqBytes, &req); err != nil {
		return 0, err
	}
	key := unb64(req.KeyB64)
	if !charge(inv, OpStateDelete, len(key)) {
		return 0, fmt.Errorf("out of gas")
	}
	if _, ok := inv.checkHandleCapability(HandleID(req.Handle), true); !ok {
		return inv.writeJSON(abiEnvelope{Error: errPermissionDenied})
	}
	view, err := inv.registry.Resource(HandleID(req.Handle))
	if err != nil {
		return inv.writeJSON(abiEnvelope{Error: "BadHandle"})
	}
	if err := view.Delete(key); err != nil {
		return inv.writeJSON(abiEnvelope{Error: err.Error()})
	}
	return inv.writeJSON(abiEnvelope{})
}

func hostStateHas(inv *invocation, reqBytes []byte) (int64, error) {
	var req struct {
		Handle uint32 `json:"handle"`
		KeyB64 string `json:"key_b64"`
	}
	if err := jsonUnmarshal(reqBytes, &req); err != nil {
		return 0, err
	}
	if !charge(inv, OpStateHas, 0) {
		return 0, fmt.Errorf("out of gas")
	}
	if _, ok := inv.checkHandleCapability(HandleID(req.Handle), false); !ok {
		return inv.writeJSON(abiEnvelope{Error: errPermissionDenied})
	}
	view, err := inv.registry.Resource(HandleID(req.Handle))
	if err != nil {
		return inv.writeJSON(abiEnvelope{Error: "BadHandle"})
	}
	has, err := view.Has(unb64(req.KeyB64))
	if err != nil {
		return inv.writeJSON(abiEnvelope{Error: err.Error()})
	}
	return inv.writeJSON(abiEnvelope{Present: &has})
}

func hostStateRange(inv *invocation, reqBytes []byte) (int64, error) {
	var req struct {
		Handle   uint32  `json:"handle"`
		StartB64 *string `json:"start_b64,omitempty"`
		EndB64   *string `json:"end_b64,omitempty"`
		Limit    uint32  `json:"limit"`
	}
	if err := jsonUnmarshal(reqBytes, &req); err != nil {
		return 0, err
	}
	if _, ok := inv.checkHandleCapability(HandleID(req.Handle), false); !ok {
		charge(inv, OpStateRange, 0)
		return inv.writeJSON(abiEnvelope{Error: errPermissionDenied})
	}
	view, err := inv.registry.Resource(HandleID(req.Handle))
	if err != nil {
		charge(inv, OpStateRange, 0)
		return inv.writeJSON(abiEnvelope{Error: "BadHandle"})
	}
	var prefix []byte
	if req.StartB64 != nil {
		prefix = unb64(*req.StartB64)
	}
	entries, err := view.PrefixIter(prefix)
	if err != nil {
		return inv.writeJSON(abiEnvelope{Error: err.Error()})
	}
	entries = applyRangeBounds(entries, req.StartB64, req.EndB64, req.Limit)
	if !charge(inv, OpStateRange, len(entries)) {
		return 0, fmt.Errorf("out of gas")
	}
	out := make([]rangeEntry, len(entries))
	for i, e := range entries {
		out[i] = rangeEntry{KeyB64: b64(e.Key), ValueB64: b64(e.Value)}
	}
	return inv.writeJSON(abiEnvelope{Entries: out})
}

func applyRangeBounds(entries []store.Entry, start, end *string, limit uint32) []store.Entry {
	var endKey []byte
	if end != nil {
		endKey = unb64(*end)
	}
	out := entries[:0:0]
	for _, e := range entries {
		if endKey != nil && bytesCompare(e.Key, endKey) >= 0 {
			break
		}
		out = append(out, e)
		if limit > 0 && uint32(len(out)) >= limit {
			break
		}
	}
	return out
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func hostCapabilityCheck(inv *invocation, reqBytes []byte) (int64, error) {
	var req struct {
		Kind     string `json:"kind"`
		Resource string `json:"resource"`
	}
	if err := jsonUnmarshal(reqBytes, &req); err != nil {
		return 0, err
	}
	if !charge(inv, OpCapabilityCheck, 0) {
		return 0, fmt.Errorf("out of gas")
	}
	kind, ok := parseKind(req.Kind)
	if !ok {
		return inv.writeJSON(abiEnvelope{Allowed: boolp(false)})
	}
	allowed := inv.caps.Has(inv.module, capability.Capability{Kind: kind, Resource: req.Resource})
	return inv.writeJSON(abiEnvelope{Allowed: &allowed})
}

func parseKind(s string) (capability.Kind, bool) {
	switch s {
	case "ReadState":
		return capability.ReadState, true
	case "WriteState":
		return capability.WriteState, true
	case "SendMessage":
		return capability.SendMessage, true
	case "Emit":
		return capability.Emit, true
	default:
		return 0, false
	}
}

func hostIPCSend(inv *invocation, reqBytes []byte) (int64, error) {
	var req struct {
		Target      string `json:"target"`
		MessageB64  string `json:"message_b64"`
	}
	if err := jsonUnmarshal(reqBytes, &req); err != nil {
		return 0, err
	}
	if !charge(inv, OpIPCSend, 0) {
		return 0, fmt.Errorf("out of gas")
	}
	if !inv.caps.Has(inv.module, capability.Capability{Kind: capability.SendMessage, Resource: req.Target}) {
		return inv.writeJSON(abiEnvelope{Error: errPermissionDenied})
	}
	// Message queuing across modules is the driver's concern; the host only
	// authorizes the send and records it as an event for the block log.
	inv.mu.Lock()
	inv.events = append(inv.events, Event{
		EventType:  "ipc.send",
		Attributes: []EventAttr{{Key: "target", Value: req.Target, Index: true}},
	})
	inv.mu.Unlock()
	return inv.writeJSON(abiEnvelope{})
}

func hostEventEmit(inv *invocation, reqBytes []byte) (int64, error) {
	var req struct {
		EventType  string      `json:"event_type"`
		Attributes []EventAttr `json:"attributes"`
	}
	if err := jsonUnmarshal(reqBytes, &req); err != nil {
		return 0, err
	}
	if !charge(inv, OpEventEmit, len(reqBytes)) {
		return 0, fmt.Errorf("out of gas")
	}
	if !inv.caps.Has(inv.module, capability.Capability{Kind: capability.Emit, Resource: req.EventType}) {
		return inv.writeJSON(abiEnvelope{Error: errPermissionDenied})
	}
	inv.mu.Lock()
	inv.events = append(inv.events, Event{EventType: req.EventType, Attributes: req.Attributes})
	inv.mu.Unlock()
	return inv.writeJSON(abiEnvelope{})
}

func hostLogWrite(inv *invocation, reqBytes []byte) (int64, error) {
	var req struct {
		BytesB64 string `json:"bytes_b64"`
	}
	if err := jsonUnmarshal(reqBytes, &req); err != nil {
		return 0, err
	}
	b := unb64(req.BytesB64)
	if !charge(inv, OpLogWrite, len(b)) {
		return 0, fmt.Errorf("out of gas")
	}
	inv.mu.Lock()
	inv.events = append(inv.events, Event{
		EventType:  "log",
		Attributes: []EventAttr{{Key: "message", Value: string(b)}},
	})
	inv.mu.Unlock()
	return inv.writeJSON(abiEnvelope{})
}

func boolp(b bool) *bool { return &b }
