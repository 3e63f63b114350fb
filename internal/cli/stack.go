package cli

import (
	"fmt"
	"time"

	"github.com/tidemark-io/tidemark/internal/cache"
	"github.com/tidemark-io/tidemark/internal/config"
	"github.com/tidemark-io/tidemark/internal/index"
	"github.com/tidemark-io/tidemark/internal/projection"
	"github.com/tidemark-io/tidemark/internal/query"
	"github.com/tidemark-io/tidemark/internal/store"
)

// ledgerStack is the assembled read/write pipeline for one command
// invocation: store, index, projection, cache, and evaluator.
type ledgerStack struct {
	cfg   config.Config
	store *store.Store
	idx   *index.TemporalIndex
	proj  *projection.Projection
	cache *cache.ResultCache
	eval  *query.Evaluator
}

// openStack resolves configuration and opens the full pipeline.
// The --db flag wins over the config file's database path.
func openStack(opts *RootOptions) (*ledgerStack, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "config", err)
		}
		cfg = loaded
	}
	if opts.DBPath != "" {
		cfg.DatabasePath = opts.DBPath
	}
	if cfg.DatabasePath == "" {
		return nil, NewExitError(ExitCommandError, "no database path: pass --db or set database_path in the config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "config", err)
	}

	s, err := store.Open(cfg.DatabasePath,
		store.WithPartitionWindow(cfg.PartitionWindowAhead),
		store.WithHotWindow(time.Duration(cfg.HotWindowDays)*24*time.Hour),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open ledger", err)
	}

	results, err := cache.New(cache.Config{TTL: cfg.CacheTTL, MaxCost: cfg.CacheMaxCost})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("result cache: %w", err)
	}

	ix := index.New(s)
	proj := projection.New(s, ix)
	eval := query.New(s, ix,
		query.WithProjection(proj),
		query.WithCache(results),
		query.WithMaxStaleness(cfg.MaxProjectionStaleness),
	)

	return &ledgerStack{
		cfg:   cfg,
		store: s,
		idx:   ix,
		proj:  proj,
		cache: results,
		eval:  eval,
	}, nil
}

// Close releases the stack's resources.
func (ls *ledgerStack) Close() {
	ls.cache.Close()
	ls.store.Close()
}
