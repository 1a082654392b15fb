package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/lakesync/internal/adapter"
	"github.com/hyperengineering/lakesync/internal/api"
	"github.com/hyperengineering/lakesync/internal/cdc"
	"github.com/hyperengineering/lakesync/internal/config"
	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/gateway"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/lake"
	"github.com/hyperengineering/lakesync/internal/parquet"
	"github.com/hyperengineering/lakesync/internal/warehouse"
)

// Version information set at build time via ldflags:
//
//	-X main.Version=1.0.0
//	-X main.Commit=abc1234
//	-X main.Date=2026-07-01T12:00:00Z
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "lakesync",
	Short: "LakeSync - change-data-capture and sync gateway",
	RunE:  run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lakesync %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(pushTestCmd)
	rootCmd.AddCommand(pullTestCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(migrateAdapterCmd)
	rootCmd.AddCommand(listConnectorsCmd)
}

// usageError marks flag and argument mistakes so main can exit 2
// instead of 1.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func main() {
	rootCmd.SilenceUsage = true
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var usage *usageError
		if errors.As(err, &usage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize lake adapter
	sink, err := buildLake(cfg)
	if err != nil {
		return fmt.Errorf("initialize lake adapter: %w", err)
	}
	if sink != nil {
		defer sink.Close()
	}

	// 5. Initialize gateway
	gw, err := gateway.New(gateway.Config{
		GatewayID:      cfg.Gateway.ID,
		MaxBufferBytes: cfg.Gateway.MaxBufferBytes,
		MaxBufferAge:   time.Duration(cfg.Gateway.MaxBufferAge),
		FlushFormat:    gateway.FlushFormat(cfg.Gateway.FlushFormat),
		TableSchemas:   cfg.Schemas,
	}, []byte(cfg.Auth.Secret), sink,
		gateway.WithParquetEncoder(parquet.WriteDeltas),
	)
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}
	slog.Info("gateway initialized",
		"gateway_id", cfg.Gateway.ID,
		"flush_format", cfg.Gateway.FlushFormat,
	)

	// 6. Initialize HTTP router
	handler := api.NewHandler(gw, Version)
	router := api.NewRouter(handler)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 7. Worker lifecycle infrastructure
	var wg sync.WaitGroup
	startWorker(ctx, &wg, gw.Run)

	// 8. Start CDC sources from connector descriptors
	sources, err := startConnectors(ctx, cfg, gw)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range sources {
			s.Stop()
		}
	}()

	// 9. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is
		// called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	slog.Info("shutdown complete")
	return nil
}

// buildLake constructs the configured lake adapter, wrapped with the
// Parquet materialiser when schemas are configured so flushes also
// refresh per-table current state.
func buildLake(cfg *config.Config) (adapter.LakeAdapter, error) {
	var base adapter.LakeAdapter
	switch cfg.Lake.Type {
	case "":
		return nil, nil
	case "fs":
		fs, err := lake.NewFSAdapter(cfg.Lake.Path)
		if err != nil {
			return nil, err
		}
		base = fs
	case "s3":
		s3, err := lake.NewS3Adapter(lake.S3Config{
			Endpoint:  cfg.Lake.Endpoint,
			Region:    cfg.Lake.Region,
			Bucket:    cfg.Lake.Bucket,
			AccessKey: cfg.Lake.AccessKey,
			SecretKey: cfg.Lake.SecretKey,
			UseSSL:    cfg.Lake.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		base = s3
	default:
		return nil, fmt.Errorf("unknown lake type %q", cfg.Lake.Type)
	}

	if len(cfg.Schemas) == 0 {
		return base, nil
	}
	return &materialisingLake{
		LakeAdapter:          base,
		ParquetMaterialiser: warehouse.NewParquetMaterialiser(base, ""),
	}, nil
}

// materialisingLake combines object storage with the Parquet state
// materialiser; the gateway discovers the capability by assertion.
type materialisingLake struct {
	adapter.LakeAdapter
	*warehouse.ParquetMaterialiser
}

// gatewayPusher adapts the in-process gateway push contract for CDC
// sources and pollers.
type gatewayPusher struct {
	gw       *gateway.Gateway
	token    string
	clientID string
}

func (p *gatewayPusher) PushDeltas(ctx context.Context, deltas []delta.RowDelta) error {
	_, err := p.gw.HandlePush(ctx, p.token, gateway.PushRequest{
		ClientID: p.clientID,
		Deltas:   deltas,
	})
	return err
}

// startConnectors builds and starts a CDC source per connector
// descriptor.
func startConnectors(ctx context.Context, cfg *config.Config, gw *gateway.Gateway) ([]*cdc.Source, error) {
	issuer := gateway.NewTokenIssuer([]byte(cfg.Auth.Secret))

	var sources []*cdc.Source
	for _, conn := range cfg.Connectors {
		var dialect cdc.Dialect
		switch conn.Type {
		case "postgres-cdc":
			dialect = cdc.NewPostgresDialect(conn.DSN)
		case "mysql-cdc":
			dialect = cdc.NewMySQLDialect(conn.DSN, conn.Schema)
		case "sqlserver-cdc":
			dialect = cdc.NewSQLServerDialect(conn.DSN, conn.Schema)
		default:
			return nil, fmt.Errorf("connector %q has unknown type %q", conn.Name, conn.Type)
		}

		clientID := "cdc-" + conn.Name
		token, err := issuer.Mint(clientID, cfg.Gateway.ID)
		if err != nil {
			return nil, fmt.Errorf("mint token for %s: %w", conn.Name, err)
		}

		source := cdc.NewSource(cdc.SourceConfig{
			ClientID:     clientID,
			Tables:       conn.Tables,
			PollInterval: time.Duration(conn.Ingest.Interval),
		}, dialect, &gatewayPusher{gw: gw, token: token, clientID: clientID}, hlc.NewClock())

		if err := source.Start(ctx); err != nil {
			for _, started := range sources {
				started.Stop()
			}
			return nil, fmt.Errorf("start connector %s: %w", conn.Name, err)
		}
		slog.Info("connector started",
			"component", "cdc",
			"action", "connector_started",
			"name", conn.Name,
			"type", conn.Type,
		)
		sources = append(sources, source)
	}
	return sources, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects
// context cancellation. Workers are tracked via WaitGroup for graceful
// shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
	}()
}
