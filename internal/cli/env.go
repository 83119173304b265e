package cli

import (
	"log/slog"

	"github.com/roach88/meshsync/internal/config"
	"github.com/roach88/meshsync/internal/consistency"
	"github.com/roach88/meshsync/internal/engine"
	"github.com/roach88/meshsync/internal/source"
	"github.com/roach88/meshsync/internal/store"
	"github.com/roach88/meshsync/internal/target"
)

// environment is what a command needs to talk to the source, the target
// and the local store.
type environment struct {
	cfg   *config.Config
	store *store.Store
	tree  source.Tree
	repo  target.Repository
}

// loadConfig loads and validates the configuration.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Repository != nil {
		// The injected repository stands in for the target URL.
		cfg.Target.Fake = true
	}
	if err := config.Validate(cfg); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	return cfg, nil
}

// openStore opens the configured SQLite store.
func openStore(cfg *config.Config) (*store.Store, error) {
	slog.Debug("opening store", "path", cfg.StorePath)
	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return st, nil
}

// loadEnvironment loads the config, opens the store, loads the source
// tree and connects to the target.
func loadEnvironment(opts *RootOptions) (*environment, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.SourcePath == "" {
		return nil, NewExitError(ExitCommandError, "no source tree configured: set source in the config file")
	}
	tree, err := source.LoadFixture(cfg.SourcePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load source tree", err)
	}
	repo, err := newRepository(opts, cfg)
	if err != nil {
		return nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, store: st, tree: tree, repo: repo}, nil
}

func newRepository(opts *RootOptions, cfg *config.Config) (target.Repository, error) {
	switch {
	case opts.Repository != nil:
		return opts.Repository, nil
	case cfg.Target.Fake:
		slog.Warn("using an in-memory target; nothing is persisted")
		return target.NewMemory(), nil
	}
	client, err := target.NewClient(target.ClientOptions{
		URL:      cfg.Target.URL,
		Username: cfg.Target.Username,
		Password: cfg.Target.Password,
		Timeout:  cfg.Target.Timeout,
		Retries:  cfg.Target.Retries,
		Debug:    cfg.Target.Debug,
		Logger:   slog.Default(),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create target client", err)
	}
	return client, nil
}

func (e *environment) engine(opts *RootOptions) *engine.Engine {
	ids := opts.IDs
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	engineOpts := []engine.EngineOption{
		engine.WithIDGenerator(ids),
		engine.WithLocker(engine.NewLocker(e.cfg.LockDir)),
	}
	if opts.Now != nil {
		engineOpts = append(engineOpts, engine.WithNow(opts.Now))
	}
	return engine.New(e.cfg.Repository, e.repo, e.tree, e.store, engineOpts...)
}

func (e *environment) checker() *consistency.Checker {
	return consistency.New(e.cfg.Repository, e.repo, e.tree, e.store, e.store)
}

// Close releases the store.
func (e *environment) Close() {
	closeStore(e.store)
}

// closeStore closes st and logs a failure.
func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing store", "error", err)
	}
}
