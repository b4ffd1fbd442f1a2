package driver

import (
	"github.com/synnergy-network/chainkernel/core"
	"github.com/synnergy-network/chainkernel/internal/capability"
)

// ModuleRecord is the module record of the data model: the compiled Wasm
// bytes for one fixed role plus the metadata that governs how the sandbox
// host runs it. Name and Role are distinct because a deployment may run
// more than one build of the same role under different names in future;
// today they coincide. Address is derived once at load time and never
// recomputed; GrantedCapabilities is the declarative genesis grant set a
// caller (cmd/kerneld) applies to the capability table before serving any
// block.
type ModuleRecord struct {
	Name                string
	Role                string
	Code                []byte
	KeyPrefix           string
	GasLimit            uint64
	GrantedCapabilities []capability.Capability
	Address             core.Address
}

// NewModuleRecord builds a ModuleRecord, deriving its address from role and
// code the same way any other module-addressed entity in this runtime is
// addressed.
func NewModuleRecord(role, keyPrefix string, code []byte, gasLimit uint64, grants []capability.Capability) ModuleRecord {
	return ModuleRecord{
		Name:                role,
		Role:                role,
		Code:                code,
		KeyPrefix:           keyPrefix,
		GasLimit:            gasLimit,
		GrantedCapabilities: grants,
		Address:             core.DeriveModuleAddress(role, code),
	}
}

// Modules holds the module record for each of the five fixed roles the
// state-machine driver invokes. Role determines only the input/output
// schema; the Sandbox Host itself is role-agnostic.
type Modules struct {
	BeginBlock ModuleRecord
	DecodeTx   ModuleRecord
	ValidateTx ModuleRecord
	ExecuteTx  ModuleRecord
	EndBlock   ModuleRecord
}
