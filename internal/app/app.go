// Package app wires the application together: configuration, tracing,
// database, the Genkit runtime, stores, the tool registry, and the chat
// gateway. Construction happens in Setup; Close releases everything in
// reverse order.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/relay/internal/config"
	"github.com/koopa0/relay/internal/gateway"
	"github.com/koopa0/relay/internal/knowledge"
	"github.com/koopa0/relay/internal/session"
	"github.com/koopa0/relay/internal/usage"
)

// App is the core application container.
type App struct {
	Config *config.Config

	Genkit    *genkit.Genkit
	Embedder  ai.Embedder
	DBPool    *pgxpool.Pool
	Sessions  *session.Store
	Knowledge *knowledge.Store
	Usage     *usage.Store
	Gateway   *gateway.Gateway

	logger      *slog.Logger
	otelCleanup func()
}

// Close gracefully shuts down all resources. The gateway is drained
// before the pool closes so queued persistence jobs can still write.
func (a *App) Close() error {
	a.logger.Info("shutting down application")

	if a.Gateway != nil {
		a.Gateway.Close()
	}
	if a.DBPool != nil {
		a.DBPool.Close()
		a.logger.Info("database pool closed")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
