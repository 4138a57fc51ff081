package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/sandcastle/internal/library"
	"github.com/michaelbrown/sandcastle/internal/metrics"
)

// Bootstrapper builds ready-to-use environments.
type Bootstrapper struct {
	Policy   Policy
	Defaults *DefaultFileSet
	Packages *library.Registry
	Shims    []CapabilityShim
	Logger   *zerolog.Logger
}

// NewBootstrapper returns a bootstrapper with the stock shims and packages.
func NewBootstrapper(policy Policy, defaults *DefaultFileSet, logger *zerolog.Logger) *Bootstrapper {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Bootstrapper{
		Policy:   policy,
		Defaults: defaults,
		Packages: library.DefaultRegistry(),
		Shims:    DefaultShims(),
		Logger:   logger,
	}
}

// Bootstrap produces one ready environment. On failure the partial
// environment is closed and a KindBootstrap error returned.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (*Environment, error) {
	start := time.Now()
	logger := b.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	packages := b.Packages
	if packages == nil {
		packages = library.NewRegistry()
	}

	env := newEnvironment(b.Policy, packages, b.Defaults, logger)
	if err := b.populate(ctx, env); err != nil {
		env.Close()
		metrics.BootstrapFailuresTotal.Inc()
		return nil, newError(KindBootstrap, "bootstrap", err)
	}

	elapsed := time.Since(start)
	metrics.BootstrapDuration.Observe(elapsed.Seconds())
	env.logger.Debug().Dur("took", elapsed).Msg("environment ready")
	return env, nil
}

func (b *Bootstrapper) populate(ctx context.Context, env *Environment) error {
	if err := env.fs.MkdirAll(env.home, 0o755); err != nil {
		return fmt.Errorf("creating home directory: %w", err)
	}

	for _, shim := range b.Shims {
		env.globals[shim.Name()] = shim.Value()
	}

	if b.Defaults != nil {
		if err := b.Defaults.WriteTo(env.fs, env.home); err != nil {
			return err
		}
	}

	for name, v := range library.Builtins(env) {
		env.globals[name] = v
	}
	env.globals[importBuiltinName] = env.importBuiltin()

	for _, name := range b.Policy.Preload {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := env.Preload(name); err != nil {
			return fmt.Errorf("preloading %s: %w", name, err)
		}
	}
	return nil
}
