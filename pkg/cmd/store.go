package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/redloop/redloop/pkg/store"
	"github.com/redloop/redloop/pkg/store/memory"
	"github.com/redloop/redloop/pkg/store/redis"
)

// NewStore creates the execution store for the given URL. The in-memory
// store is the default; redis:// keeps records across restarts and shares
// them between instances.
func NewStore(storeURL string, logger *slog.Logger) store.Store {
	switch parseStoreProvider(storeURL) {
	case "redis":
		s, err := redis.NewStore(storeURL, logger)
		if err != nil {
			panic(fmt.Errorf("failed to create redis store: %w", err))
		}

		return s
	default:
		return memory.NewStore(logger)
	}
}

func parseStoreProvider(storeURL string) string {
	scheme, _, found := strings.Cut(storeURL, "://")
	if !found {
		return "memory"
	}

	return scheme
}
