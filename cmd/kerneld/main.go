package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/synnergy-network/chainkernel/internal/capability"
	"github.com/synnergy-network/chainkernel/internal/driver"
	"github.com/synnergy-network/chainkernel/internal/globalstore"
	"github.com/synnergy-network/chainkernel/internal/logging"
	"github.com/synnergy-network/chainkernel/internal/rpc"
	"github.com/synnergy-network/chainkernel/internal/sandbox"
	"github.com/synnergy-network/chainkernel/internal/statemgr"
	"github.com/synnergy-network/chainkernel/internal/store"
	"github.com/synnergy-network/chainkernel/pkg/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "kerneld"}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(moduleCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the kernel's replicated-interface transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay config name")
	return cmd
}

func runServe(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(*cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	log := logging.Component(logger, "kerneld")

	backend, err := store.NewBoltBackend(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}

	gs, err := globalstore.New(cfg.Network.ChainID, backend, cfg.Storage.RetainVersions)
	if err != nil {
		return fmt.Errorf("open global store: %w", err)
	}
	for _, ns := range []string{"bank", "modules"} {
		if err := gs.RegisterNamespace(ns, false); err != nil {
			log.WithError(err).Warnf("namespace %q already registered", ns)
		}
	}

	mgr := statemgr.New(gs)
	caps := capability.New()
	host := sandbox.NewHost(caps, logging.Component(logger, "sandbox"))

	modules, err := loadModules(cfg.VM.ModulesDir, cfg.Consensus.BlockGasLimit)
	if err != nil {
		return fmt.Errorf("load modules: %w", err)
	}
	grantGenesisCapabilities(caps, modules)

	deadline := time.Duration(cfg.VM.InvocationTimeoutMS) * time.Millisecond
	if deadline == 0 {
		deadline = 5 * time.Second
	}
	drv := driver.New(mgr, host, modules, cfg.Network.ChainID, deadline, logging.Component(logger, "driver"))

	server := rpc.New(drv, mgr, cfg.Network.ChainID, cfg.Network.ListenAddr, logging.Component(logger, "rpc"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	}
}

// loadModules reads the five fixed-role Wasm binaries from dir, named
// begin_block.wasm, decode_tx.wasm, validate_tx.wasm, execute_tx.wasm, and
// end_block.wasm, and builds each one's module record: its key_prefix (so
// state_open scopes it to its own slice of a namespace), a gas ceiling no
// larger than the block's own, the capability set genesis should grant it,
// and its derived address. The role passed to loadModuleRecord must match
// the role string the driver invokes the module under (driver.go's
// "beginblock"/"decodetx"/... literals) since that string is also the
// capability table's lookup key.
func loadModules(dir string, blockGasLimit uint64) (driver.Modules, error) {
	var modules driver.Modules
	var err error

	if modules.BeginBlock, err = loadModuleRecord(dir, "begin_block.wasm", "beginblock", "/system/", blockGasLimit,
		[]capability.Capability{
			{Kind: capability.WriteState, Resource: "modules"},
			{Kind: capability.Emit, Resource: "block"},
		}); err != nil {
		return modules, err
	}
	if modules.DecodeTx, err = loadModuleRecord(dir, "decode_tx.wasm", "decodetx", "", blockGasLimit, nil); err != nil {
		return modules, err
	}
	if modules.ValidateTx, err = loadModuleRecord(dir, "validate_tx.wasm", "validatetx", "/ante/", blockGasLimit,
		[]capability.Capability{
			{Kind: capability.ReadState, Resource: "bank"},
			{Kind: capability.ReadState, Resource: "modules"},
		}); err != nil {
		return modules, err
	}
	if modules.ExecuteTx, err = loadModuleRecord(dir, "execute_tx.wasm", "executetx", "/bank/", blockGasLimit,
		[]capability.Capability{
			{Kind: capability.ReadState, Resource: "bank"},
			{Kind: capability.WriteState, Resource: "bank"},
			{Kind: capability.Emit, Resource: "transfer"},
			{Kind: capability.SendMessage, Resource: "executetx"},
		}); err != nil {
		return modules, err
	}
	if modules.EndBlock, err = loadModuleRecord(dir, "end_block.wasm", "endblock", "/system/", blockGasLimit,
		[]capability.Capability{
			{Kind: capability.WriteState, Resource: "modules"},
			{Kind: capability.Emit, Resource: "block"},
		}); err != nil {
		return modules, err
	}
	return modules, nil
}

// loadModuleRecord reads one role's Wasm file (a missing file is tolerated
// and leaves Code nil) and assembles its module record.
func loadModuleRecord(dir, file, role, keyPrefix string, gasLimit uint64, grants []capability.Capability) (driver.ModuleRecord, error) {
	path := dir + "/" + file
	code, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		code = nil
	} else if err != nil {
		return driver.ModuleRecord{}, err
	}
	return driver.NewModuleRecord(role, keyPrefix, code, gasLimit, grants), nil
}

// grantGenesisCapabilities records each loaded module's declared capability
// set against caps as an immutable genesis grant, before the driver serves
// its first block. Without this, every stateful, IPC, or event ABI call the
// modules make would be denied forever: caps starts empty and nothing else
// in this runtime ever calls GrantCapability.
func grantGenesisCapabilities(caps *capability.Table, modules driver.Modules) {
	for _, rec := range []driver.ModuleRecord{
		modules.BeginBlock, modules.DecodeTx, modules.ValidateTx, modules.ExecuteTx, modules.EndBlock,
	} {
		for _, cap := range rec.GrantedCapabilities {
			caps.GrantCapability(rec.Name, cap, "genesis", true, 0)
		}
	}
}

func moduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "module", Short: "inspect fixed-role module binaries"}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify [path]",
		Short: "validate a wasm module loads under the sandbox host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if _, err := wasmer.NewModule(wasmer.NewStore(wasmer.NewEngine()), b); err != nil {
				return fmt.Errorf("%s is not a valid wasm module: %w", args[0], err)
			}
			fmt.Printf("read %d bytes from %s: valid wasm module\n", len(b), args[0])
			return nil
		},
	})
	return cmd
}
