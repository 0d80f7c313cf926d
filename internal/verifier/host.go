package verifier

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

type execKey struct{}

// execContext holds the state of a single verify invocation.
type execContext struct {
	input        []byte     // input is the encoded payload
	memory       api.Memory // memory is the guest linear memory
	gasLimit     uint64     // gasLimit is the maximum gas allowed
	gasUsed      uint64     // gasUsed tracks consumed gas
	gasExhausted bool       // gasExhausted is true if gas limit was exceeded
}

func execFrom(ctx context.Context) *execContext {
	exec, _ := ctx.Value(execKey{}).(*execContext)

	return exec
}

// buildHostModule instantiates the "env" module with host functions.
func buildHostModule(ctx context.Context, runtime wazero.Runtime) error {
	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cost uint32) {
			hostGas(execFrom(ctx), cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return hostInputLen(execFrom(ctx))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr uint32) {
			hostReadInput(execFrom(ctx), ptr)
		}).
		Export("read_input").
		Instantiate(ctx)

	return err
}

// hostGas meters gas. Panics past the limit to abort execution.
func hostGas(exec *execContext, cost uint32) {
	if exec == nil {
		return
	}

	exec.gasUsed += uint64(cost)

	if exec.gasUsed > exec.gasLimit {
		exec.gasExhausted = true
		panic("gas exhausted")
	}
}

func hostInputLen(exec *execContext) uint32 {
	if exec == nil {
		return 0
	}

	return uint32(len(exec.input))
}

// hostReadInput copies the input into guest memory at ptr.
func hostReadInput(exec *execContext, ptr uint32) {
	if exec == nil || exec.memory == nil || len(exec.input) == 0 {
		return
	}

	exec.memory.Write(ptr, exec.input)
}
