package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"E3Kernel/internal/kernel"
	"E3Kernel/internal/logger"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/verifier"
)

// wasmExt is the extension of verify modules in the modules directory.
const wasmExt = ".wasm"

// loadVerifiers compiles every module of dir into pool and registers it
// under its file name without extension. A missing directory registers nothing.
func loadVerifiers(ctx context.Context, pool *verifier.Pool, dir string, gasLimit uint64) (*verifier.Registry, error) {
	reg := verifier.NewRegistry()

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		logger.Warn("verifier modules directory missing", "dir", dir)
		return reg, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read modules directory:\n%w", err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != wasmExt {
			continue
		}

		code, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read module %s:\n%w", e.Name(), err)
		}

		id, err := pool.Load(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("load module %s:\n%w", e.Name(), err)
		}

		name := strings.TrimSuffix(e.Name(), wasmExt)
		if err := reg.Register(name, pool.Module(id, gasLimit)); err != nil {
			return nil, fmt.Errorf("register module %s:\n%w", e.Name(), err)
		}

		logger.Info("verifier loaded", "name", name, "module", id)
	}

	return reg, nil
}

// applyBindings enables the configured programs and schemes that are not
// already bound to the same verifier.
func applyBindings(k *kernel.Kernel, owner protocol.Address, programs, schemes []binding) error {
	for _, b := range programs {
		if current, ok := k.ProgramVerifier(b.Name); ok && current == b.Verifier {
			continue
		}

		if err := k.EnableProgram(owner, b.Name, b.Verifier); err != nil {
			return fmt.Errorf("enable program %s:\n%w", b.Name, err)
		}
	}

	for _, b := range schemes {
		if current, ok := k.SchemeVerifier(b.Name); ok && current == b.Verifier {
			continue
		}

		if err := k.EnableEncryptionScheme(owner, b.Name, b.Verifier); err != nil {
			return fmt.Errorf("enable scheme %s:\n%w", b.Name, err)
		}
	}

	return nil
}
