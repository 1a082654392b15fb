package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/lakesync/internal/adapter"
	"github.com/hyperengineering/lakesync/internal/config"
	"github.com/hyperengineering/lakesync/internal/delta"
	"github.com/hyperengineering/lakesync/internal/gateway"
	"github.com/hyperengineering/lakesync/internal/hlc"
	"github.com/hyperengineering/lakesync/internal/warehouse"
)

// Operator tooling: small subcommands that poke a running gateway over
// HTTP or move deltas between warehouse adapters.

var (
	toolGatewayURL string
	toolClientID   string
	toolSecret     string
	toolGatewayID  string
	toolSinceHLC   string
	toolMaxDeltas  int

	migrateFrom      string
	migrateTo        string
	migrateBatchSize int
)

func init() {
	for _, cmd := range []*cobra.Command{pushTestCmd, pullTestCmd, flushCmd} {
		cmd.Flags().StringVar(&toolGatewayURL, "url", "http://localhost:8080", "gateway base URL")
		cmd.Flags().StringVar(&toolClientID, "client-id", "", "client id (generated when empty)")
		cmd.Flags().StringVar(&toolSecret, "secret", os.Getenv("LAKESYNC_AUTH_SECRET"), "shared auth secret")
		cmd.Flags().StringVar(&toolGatewayID, "gateway-id", "lakesync", "gateway id the token is scoped to")
	}
	pullTestCmd.Flags().StringVar(&toolSinceHLC, "since", "0", "pull cursor (decimal hlc)")
	pullTestCmd.Flags().IntVar(&toolMaxDeltas, "max", 100, "max deltas to pull")

	migrateAdapterCmd.Flags().StringVar(&migrateFrom, "from", "", "source adapter DSN (postgres:// or mysql://)")
	migrateAdapterCmd.Flags().StringVar(&migrateTo, "to", "", "destination adapter DSN")
	migrateAdapterCmd.Flags().IntVar(&migrateBatchSize, "batch-size", 500, "deltas per insert batch")
	migrateAdapterCmd.MarkFlagRequired("from")
	migrateAdapterCmd.MarkFlagRequired("to")
}

func mintToolToken() (string, error) {
	if toolSecret == "" {
		return "", fmt.Errorf("no auth secret: pass --secret or set LAKESYNC_AUTH_SECRET")
	}
	if toolClientID == "" {
		toolClientID = "cli-" + ulid.Make().String()
	}
	return gateway.NewTokenIssuer([]byte(toolSecret)).Mint(toolClientID, toolGatewayID)
}

func postGateway(path, token string, body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, toolGatewayURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return payload, nil
}

var pushTestCmd = &cobra.Command{
	Use:   "push-test",
	Short: "Push a synthetic delta to a running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := mintToolToken()
		if err != nil {
			return err
		}

		clock := hlc.NewClock()
		d := delta.New(delta.OpInsert, "lakesync_smoke", ulid.Make().String(), toolClientID,
			clock.Now(), []delta.ColumnDelta{
				{Column: "pushed_at", Value: time.Now().UTC().Format(time.RFC3339)},
				{Column: "ok", Value: true},
			})

		payload, err := postGateway("/push", token, gateway.PushRequest{
			ClientID: toolClientID,
			Deltas:   []delta.RowDelta{d},
		})
		if err != nil {
			return err
		}
		fmt.Println(string(payload))
		return nil
	},
}

var pullTestCmd = &cobra.Command{
	Use:   "pull-test",
	Short: "Pull deltas from a running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := mintToolToken()
		if err != nil {
			return err
		}
		since, err := hlc.Parse(toolSinceHLC)
		if err != nil {
			return err
		}

		payload, err := postGateway("/pull", token, gateway.PullRequest{
			ClientID:  toolClientID,
			SinceHLC:  since,
			MaxDeltas: toolMaxDeltas,
		})
		if err != nil {
			return err
		}
		fmt.Println(string(payload))
		return nil
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Trigger a flush on a running gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := mintToolToken()
		if err != nil {
			return err
		}
		payload, err := postGateway("/flush", token, struct{}{})
		if err != nil {
			return err
		}
		fmt.Println(string(payload))
		return nil
	},
}

var migrateAdapterCmd = &cobra.Command{
	Use:   "migrate-adapter",
	Short: "Copy all deltas from one warehouse adapter to another",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		from, err := openWarehouse(migrateFrom)
		if err != nil {
			return fmt.Errorf("open source: %w", err)
		}
		defer from.Close()
		to, err := openWarehouse(migrateTo)
		if err != nil {
			return fmt.Errorf("open destination: %w", err)
		}
		defer to.Close()

		deltas, err := from.QueryDeltasSince(ctx, 0)
		if err != nil {
			return fmt.Errorf("read source deltas: %w", err)
		}

		migrated := 0
		for start := 0; start < len(deltas); start += migrateBatchSize {
			end := start + migrateBatchSize
			if end > len(deltas) {
				end = len(deltas)
			}
			if err := to.InsertDeltas(ctx, deltas[start:end]); err != nil {
				return fmt.Errorf("write batch at %d: %w", start, err)
			}
			migrated = end
			fmt.Printf("migrated %d/%d deltas\n", migrated, len(deltas))
		}
		fmt.Printf("done: %d deltas migrated\n", migrated)
		return nil
	},
}

// openWarehouse maps a DSN onto a dialected SQL adapter. Insertion is
// idempotent by delta id, so re-running a partial migration is safe.
func openWarehouse(dsn string) (adapter.DatabaseAdapter, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	switch parsed.Scheme {
	case "postgres", "postgresql":
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		return warehouse.NewSQLAdapter(db, warehouse.PostgresDialect{}), nil
	case "mysql":
		db, err := sql.Open("mysql", strings.TrimPrefix(dsn, "mysql://"))
		if err != nil {
			return nil, err
		}
		return warehouse.NewSQLAdapter(db, warehouse.MySQLDialect{}), nil
	default:
		return nil, fmt.Errorf("unsupported adapter scheme %q", parsed.Scheme)
	}
}

var listConnectorsCmd = &cobra.Command{
	Use:   "list-connectors",
	Short: "List the connectors configured for this gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if len(cfg.Connectors) == 0 {
			fmt.Println("no connectors configured")
			return nil
		}
		for _, conn := range cfg.Connectors {
			tables := "all tables"
			if len(conn.Tables) > 0 {
				tables = strings.Join(conn.Tables, ", ")
			}
			interval := time.Duration(conn.Ingest.Interval)
			if interval <= 0 {
				interval = time.Second
			}
			fmt.Printf("%s\t%s\t%s\tevery %s\n", conn.Name, conn.Type, tables, interval)
		}
		return nil
	},
}
