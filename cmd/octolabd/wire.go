package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cuemby/octolabd/pkg/config"
	"github.com/cuemby/octolabd/pkg/doctor"
	"github.com/cuemby/octolabd/pkg/portalloc"
	"github.com/cuemby/octolabd/pkg/runtime"
	"github.com/cuemby/octolabd/pkg/selector"
	"github.com/cuemby/octolabd/pkg/storage"
	"github.com/cuemby/octolabd/pkg/types"
)

// deps bundles the collaborators every subcommand past `migrate` needs.
// Built once in openDeps so serve/retention/watchdog/gc don't each repeat
// the same config-to-selector wiring sequence.
type deps struct {
	cfg   *config.Config
	db    *sqlx.DB
	labs  *storage.LabStore
	ports *portalloc.Allocator
	sel   *selector.Selector
}

func doctorConfig(cfg *config.Config) doctor.Config {
	return doctor.Config{
		StateRoot:              cfg.StateRoot,
		DevUnsafeAllowNoJailer: cfg.DevUnsafeAllowNoJailer,
	}
}

func runtimeKind(name config.RuntimeSelectorName) types.RuntimeKind {
	switch name {
	case config.RuntimeNameMicroVM, "firecracker":
		return types.RuntimeMicroVM
	case config.RuntimeNameNoop:
		return types.RuntimeNoop
	default:
		return types.RuntimeCompose
	}
}

// openDeps loads config, opens and migrates the database, and runs the
// fail-closed Doctor/Selector startup sequence for the configured runtime.
func openDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db.DB); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	backends := map[types.RuntimeKind]runtime.LabRuntime{
		types.RuntimeCompose: runtime.NewComposeRuntime(cfg.StateRoot),
		types.RuntimeMicroVM: runtime.NewMicroVMRuntime(runtime.MicroVMConfig{
			StateRoot:    cfg.StateRoot,
			EvidenceRoot: cfg.EvidenceRoot,
			UseJailer:    !cfg.DevUnsafeAllowNoJailer,
		}),
		types.RuntimeNoop: runtime.NoopRuntime{},
	}

	startupKind := runtimeKind(cfg.Runtime)
	sel, err := selector.New(ctx, startupKind, backends, doctorConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("runtime selection failed: %w", err)
	}

	labs := storage.NewLabStore(db)
	ports := portalloc.New(db, cfg.PortMin, cfg.PortMax)

	return &deps{cfg: cfg, db: db, labs: labs, ports: ports, sel: sel}, nil
}
