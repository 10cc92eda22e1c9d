package engine

import (
	"fmt"
	"time"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/gate"
	"github.com/weftlabs/weft/internal/provider"
)

// BuildProviders constructs the adapter registry from configuration. The
// echo adapter is always registered so dev-mode runs work without any
// configured backend; the first configured adapter becomes the default
// unless the configuration names one.
func BuildProviders(cfg config.Providers) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	reg.Register(provider.Echo{})

	for i, def := range cfg.Defs {
		var (
			p   provider.Provider
			err error
		)
		switch def.Type {
		case "echo":
			continue
		case "mock":
			p = provider.NewMock(def.Name)
		case "cmd":
			p, err = provider.NewCmd(provider.CmdConfig{
				Name: def.Name,
				Argv: def.Argv,
				Dir:  def.Dir,
				Env:  def.Env,
			})
		case "http":
			p, err = provider.NewHTTP(provider.HTTPConfig{
				Name:       def.Name,
				URL:        def.URL,
				ReviewURL:  def.ReviewURL,
				Headers:    def.Headers,
				Timeout:    time.Duration(def.TimeoutSeconds) * time.Second,
				MaxRetries: def.MaxRetries,
			})
		default:
			err = fmt.Errorf("unknown provider type %q", def.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %d (%s): %w", i, def.Name, err)
		}
		reg.Register(p)
	}

	defaultName := cfg.Default
	if defaultName == "" && len(cfg.Defs) > 0 {
		defaultName = cfg.Defs[0].Name
	}
	if defaultName != "" {
		if err := reg.SetDefault(defaultName); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// BuildGates constructs the gate engine backed by the registry's review
// providers. Shell gates stay blocked unless the configuration opts in.
func BuildGates(safety config.Safety, providers *provider.Registry) *gate.Engine {
	return gate.New(
		gate.WithReviewLookup(providers.Review),
		gate.WithShellGates(safety.AllowShellGates),
	)
}
