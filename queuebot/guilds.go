package queuebot

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// StoreRegistry holds one QueueStore per guild. Stores are created on
// first use and initialized lazily by Ready.
type StoreRegistry struct {
	channel MessageChannel
	langs   languageResolver
	config  *StorageConfig
	logger  *slog.Logger

	mu     sync.Mutex
	stores map[string]*QueueStore
}

func NewStoreRegistry(
	channel MessageChannel,
	langs languageResolver,
	config *StorageConfig,
	logger *slog.Logger,
) *StoreRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreRegistry{
		channel: channel,
		langs:   langs,
		config:  config,
		logger:  logger,
		stores:  map[string]*QueueStore{},
	}
}

// Store returns the store for guildID, which may not be initialized yet
func (r *StoreRegistry) Store(guildID string) *QueueStore {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[guildID]
	if !ok {
		s = NewQueueStore(guildID, r.channel, r.langs, r.config, r.logger)
		r.stores[guildID] = s
	}
	return s
}

// Ready returns the store for guildID, initializing it first if that
// hasn't happened yet. Storage is loaded at most once per store; only an
// explicit InitStorage reloads it.
func (r *StoreRegistry) Ready(ctx context.Context, guildID string) (*QueueStore, error) {
	s := r.Store(guildID)
	if err := s.initOnce(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Forget drops the store for a guild the bot has left
func (r *StoreRegistry) Forget(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stores, guildID)
}

// Guilds returns the IDs of guilds with a store
func (r *StoreRegistry) Guilds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	return ids
}

// Bootstrap initializes storage for each guild not yet initialized, at
// most concurrency at a time. A failing guild is logged and reported in the returned map, and
// doesn't stop the others.
func (r *StoreRegistry) Bootstrap(
	ctx context.Context,
	guildIDs []string,
	concurrency int,
) map[string]error {
	var mu sync.Mutex
	failed := map[string]error{}

	g := &errgroup.Group{}
	g.SetLimit(max(concurrency, 1))
	for _, guildID := range guildIDs {
		g.Go(
			func() error {
				if err := r.Store(guildID).initOnce(ctx); err != nil {
					r.logger.ErrorContext(
						ctx,
						"storage bootstrap failed",
						tint.Err(err),
						"guild_id", guildID,
					)
					mu.Lock()
					failed[guildID] = err
					mu.Unlock()
				}
				return nil
			},
		)
	}
	_ = g.Wait()
	r.logger.InfoContext(
		ctx,
		"storage bootstrap finished",
		"guilds", len(guildIDs),
		"failed", len(failed),
	)
	return failed
}
