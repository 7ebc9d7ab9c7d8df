package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/machinist/internal/api"
	"github.com/kalambet/machinist/internal/config"
	"github.com/kalambet/machinist/internal/llm"
	"github.com/kalambet/machinist/internal/logging"
	"github.com/kalambet/machinist/internal/ollama"
	"github.com/kalambet/machinist/internal/proxy"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		skipPull, _ := cmd.Flags().GetBool("skip-model-check")
		return runServer(skipPull)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the agent tools over MCP on stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, model and data status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("skip-model-check", false, "do not verify or pull Ollama models at startup")
}

func runServer(skipModelCheck bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	closeLog := logging.Setup(cfg.Log)
	defer closeLog()
	slog.Info("starting machinist", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !skipModelCheck {
		models := ollama.Models{Chat: cfg.Ollama.ChatModel, Fast: cfg.Ollama.FastModel, Embed: cfg.Ollama.EmbedModel}
		dim, err := ollama.EnsureReady(ctx, ollama.New(cfg.Ollama.BaseURL), models, os.Stderr)
		if err != nil {
			return err
		}
		slog.Info("local models ready", "chat", models.Chat, "fast", models.Fast, "embed", models.Embed, "dimensions", dim)
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured; endpoints are unauthenticated")
	}

	go a.worker.Run(ctx)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runMCP serves the tool catalog on stdio. stdout carries the protocol, so
// nothing else may write to it.
func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	closeLog := logging.Setup(cfg.Log)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	planner := llm.NewOllamaProvider(a.ollama, cfg.Ollama.FastModel)
	stdio := server.NewStdioServer(api.NewMCPServer(a.mcpDeps(planner)))
	slog.Info("MCP server started (stdio transport)")
	if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP server: %w", err)
	}
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	c := &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 3 * time.Second},
	}

	var health struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	running := false
	if resp, err := c.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else if err := decodeJSON(resp, &health); err != nil {
		printStatus("Server", "error (%v)", err)
	} else {
		running = true
		printStatus("Server", "running on port %d", cfg.Server.Port)
		for name, state := range health.Components {
			printStatus("  "+name, "%s", state)
		}
	}

	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	if cfg.RemoteEnabled() {
		printStatus("Remote model", "%s", remoteModelStatus(ctx, proxy.NewClient(cfg.Proxy.OpenRouterAPIKey), cfg.Proxy.DefaultModel))
	} else {
		printStatus("Remote model", "disabled (no OpenRouter key)")
	}
	printStatus("Telemetry", "%s %s", cfg.Telemetry.Driver, redactDSN(cfg.Telemetry.DSN))

	if running {
		var docs struct {
			Documents []struct{ Chunks int } `json:"documents"`
		}
		if resp, err := c.get(ctx, "/documents"); err == nil && decodeJSON(resp, &docs) == nil {
			chunks := 0
			for _, d := range docs.Documents {
				chunks += d.Chunks
			}
			printStatus("Manuals", "%d documents, %d chunks", len(docs.Documents), chunks)
		}
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// redactDSN hides credentials in a connection URL.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
