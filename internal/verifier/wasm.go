package verifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"E3Kernel/internal/protocol"
)

var (
	// ErrModuleNotFound is returned when a module id is not loaded in the pool.
	ErrModuleNotFound = errors.New("module not found")

	// ErrGasExhausted is returned when execution runs out of gas.
	ErrGasExhausted = errors.New("gas exhausted")
)

// entrypoint is the export every verification module provides:
// verify() -> i32, non-zero meaning accepted.
const entrypoint = "verify"

// Pool keeps compiled WASM verification modules hot for instantiation.
// The "env" host module is instantiated once and reads the per-call state
// from the call context, so executions may run concurrently.
type Pool struct {
	runtime wazero.Runtime                          // runtime is the wazero runtime instance
	modules map[protocol.Hash]wazero.CompiledModule // modules maps blake3 hash to compiled module
	mu      sync.RWMutex                            // mu protects modules
}

// NewPool creates a pool with its host module.
func NewPool(ctx context.Context) (*Pool, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	if err := buildHostModule(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("build host module:\n%w", err)
	}

	return &Pool{
		runtime: runtime,
		modules: make(map[protocol.Hash]wazero.CompiledModule),
	}, nil
}

// Load compiles and stores a module, returning its blake3 id.
// Loading the same bytes twice is a no-op.
func (p *Pool) Load(ctx context.Context, wasm []byte) (protocol.Hash, error) {
	id := protocol.Digest(wasm)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.modules[id]; exists {
		return id, nil
	}

	compiled, err := p.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return protocol.Hash{}, fmt.Errorf("compile module:\n%w", err)
	}

	if _, ok := compiled.ExportedFunctions()[entrypoint]; !ok {
		compiled.Close(ctx)
		return protocol.Hash{}, fmt.Errorf("module %s does not export %q", id, entrypoint)
	}

	p.modules[id] = compiled

	return id, nil
}

// Execute runs the module's verify export on input.
// Returns the raw result and the gas consumed.
func (p *Pool) Execute(ctx context.Context, id protocol.Hash, input []byte, gasLimit uint64) (uint32, uint64, error) {
	p.mu.RLock()
	compiled, exists := p.modules[id]
	p.mu.RUnlock()

	if !exists {
		return 0, 0, fmt.Errorf("module %s: %w", id, ErrModuleNotFound)
	}

	exec := &execContext{input: input, gasLimit: gasLimit}
	ctx = context.WithValue(ctx, execKey{}, exec)

	instance, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return 0, exec.gasUsed, fmt.Errorf("instantiate module:\n%w", err)
	}
	defer instance.Close(ctx)

	exec.memory = instance.Memory()

	return callVerify(ctx, instance, exec)
}

func callVerify(ctx context.Context, instance api.Module, exec *execContext) (uint32, uint64, error) {
	results, err := instance.ExportedFunction(entrypoint).Call(ctx)
	if err != nil {
		if exec.gasExhausted {
			return 0, exec.gasUsed, ErrGasExhausted
		}

		return 0, exec.gasUsed, fmt.Errorf("verify:\n%w", err)
	}

	if len(results) == 0 {
		return 0, exec.gasUsed, fmt.Errorf("verify returned no result")
	}

	return api.DecodeU32(results[0]), exec.gasUsed, nil
}

// Unload removes a module from the pool.
func (p *Pool) Unload(ctx context.Context, id protocol.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if compiled, exists := p.modules[id]; exists {
		compiled.Close(ctx)
		delete(p.modules, id)
	}
}

// Close releases the runtime and every module.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, compiled := range p.modules {
		compiled.Close(ctx)
		delete(p.modules, id)
	}

	return p.runtime.Close(ctx)
}

// Module returns a Verifier running module id with the given gas limit.
func (p *Pool) Module(id protocol.Hash, gasLimit uint64) Verifier {
	return &wasmVerifier{pool: p, id: id, gasLimit: gasLimit}
}

type wasmVerifier struct {
	pool     *Pool
	id       protocol.Hash
	gasLimit uint64
}

func (v *wasmVerifier) Verify(ctx context.Context, payload []byte) (bool, error) {
	result, _, err := v.pool.Execute(ctx, v.id, payload, v.gasLimit)
	if errors.Is(err, ErrGasExhausted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return result != 0, nil
}
