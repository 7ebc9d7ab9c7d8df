package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/machinist/internal/ollama"
	"github.com/kalambet/machinist/internal/proxy"
	"github.com/kalambet/machinist/internal/storage"
)

// ollamaStatus reports "ok", "unreachable" or the configured models that
// are not installed.
func ollamaStatus(ctx context.Context, c *ollama.Client, models ...string) string {
	if !c.IsRunning(ctx) {
		return "unreachable"
	}
	var missing []string
	for _, m := range models {
		if m != "" && !c.HasModel(ctx, m) {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return "missing " + strings.Join(missing, ", ")
	}
	return "ok"
}

// storageStatus reports the local schema version and the reindex queue.
func storageStatus(ctx context.Context, s *storage.Store) map[string]string {
	out := make(map[string]string, 2)
	if versions, err := s.AppliedMigrations(); err != nil || len(versions) == 0 {
		out["storage"] = fmt.Sprintf("unreadable (%v)", err)
	} else {
		out["storage"] = fmt.Sprintf("ok (schema v%d)", versions[len(versions)-1])
	}
	counts, err := s.JobCounts(ctx)
	if err != nil {
		out["reindex_jobs"] = err.Error()
		return out
	}
	out["reindex_jobs"] = fmt.Sprintf("%d pending, %d running, %d failed",
		counts["pending"], counts["running"], counts["failed"])
	return out
}

// remoteModelStatus checks the configured OpenRouter model against the
// models OpenRouter serves.
func remoteModelStatus(ctx context.Context, c *proxy.Client, model string) string {
	ok, err := c.HasModel(ctx, model)
	switch {
	case errors.Is(err, proxy.ErrUnauthorized):
		return model + " (openrouter: API key rejected)"
	case err != nil:
		return fmt.Sprintf("%s (openrouter unreachable: %v)", model, err)
	case !ok:
		return model + " (openrouter: model not served)"
	}
	return model + " (openrouter)"
}
