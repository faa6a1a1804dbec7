// hkextract turns Apple Health exports into per-metric time series.
//
// Usage:
//
//	hkextract extract --source export.zip [--metric heart_rate ...] [options]
//	hkextract serve [--addr :8080]
//	hkextract migrate --database-url postgres://...
//	hkextract metrics
//	hkextract token --user alice
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mathopoulos/hkextract"
	"github.com/mathopoulos/hkextract/internal/config"
	"github.com/mathopoulos/hkextract/internal/server"
	"github.com/mathopoulos/hkextract/internal/telemetry"
	"github.com/mathopoulos/hkextract/runner"
	"github.com/mathopoulos/hkextract/sink"
)

var (
	version = "dev"
	commit  = "none"
)

const configKey = "config"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "hkextract",
		Writer:    stdout,
		ErrWriter: stderr,
		Usage:     "Extract health metrics from Apple Health exports",
		Version:   fmt.Sprintf("%s (commit: %s)", version, commit),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "Load environment variables from this file if it exists",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error); overrides HKX_LOG_LEVEL",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("env-file"))
			if err != nil {
				return err
			}
			if c.IsSet("log-level") {
				cfg.LogLevel = c.String("log-level")
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			c.App.Metadata = map[string]interface{}{configKey: cfg}
			return nil
		},

		Commands: []*cli.Command{
			extractCommand(),
			serveCommand(),
			migrateCommand(),
			metricsCommand(),
			tokenCommand(),
		},
	}
}

func loadConfig(c *cli.Context) *config.Config {
	return c.App.Metadata[configKey].(*config.Config)
}

func consoleLogger(c *cli.Context, cfg *config.Config) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: c.App.ErrWriter, TimeFormat: time.Kitchen}).
		Level(cfg.Level()).
		With().Timestamp().Logger()
}

// =============================================================================
// EXTRACT COMMAND
// =============================================================================

func extractCommand() *cli.Command {
	return &cli.Command{
		Name:  "extract",
		Usage: "Extract metrics from an export into the configured sinks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "source",
				Aliases:  []string{"s"},
				Usage:    "Path to export.xml or export.zip, or an s3://bucket/key location",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:    "metric",
				Aliases: []string{"m"},
				Usage:   "Metric to extract; repeatable. Defaults to every metric",
			},
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "User the series are stored for"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Directory for JSON series files"},
			&cli.StringFlag{Name: "database-url", Usage: "Also write series to this PostgreSQL database"},
			&cli.StringFlag{Name: "redis-addr", Usage: "Also write series to this Redis server"},
			&cli.StringFlag{Name: "now", Usage: "Reference time of the retention window (RFC 3339 or YYYY-MM-DD)"},
			&cli.IntFlag{Name: "chunk-size", Usage: "Bytes read per step"},
			&cli.BoolFlag{Name: "strict", Usage: "Fail on the first malformed record"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "table", Usage: "Output format (table, json)"},
		},
		Action: func(c *cli.Context) error {
			cfg := loadConfig(c)
			if c.IsSet("user") {
				cfg.User = c.String("user")
			}
			if c.IsSet("out") {
				cfg.DataDir = c.String("out")
			}
			if c.IsSet("database-url") {
				cfg.DatabaseURL = c.String("database-url")
			}
			if c.IsSet("redis-addr") {
				cfg.RedisAddr = c.String("redis-addr")
			}
			if c.IsSet("chunk-size") {
				cfg.ChunkSize = c.Int("chunk-size")
			}

			now := time.Now
			if c.IsSet("now") {
				t, err := hkextract.ParseTimestamp(c.String("now"))
				if err != nil {
					return fmt.Errorf("--now: %w", err)
				}
				now = func() time.Time { return t }
			}

			metrics, err := cfg.Metrics(c.StringSlice("metric")...)
			if err != nil {
				return err
			}

			ctx := c.Context
			logger := consoleLogger(c, cfg)
			st, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			opener, err := openSource(ctx, cfg, strings.HasPrefix(c.String("source"), "s3://"))
			if err != nil {
				return err
			}

			runners := make([]*runner.Runner, len(metrics))
			for i, m := range metrics {
				runners[i] = runner.New(m,
					runner.WithOpener(opener),
					runner.WithSink(st.sink),
					runner.WithUser(cfg.User),
					runner.WithClock(now),
					runner.WithLogger(logger),
					runner.WithChunkSize(cfg.ChunkSize),
					runner.WithStrict(c.Bool("strict")),
				)
			}

			results, runErr := runner.RunAll(ctx, c.String("source"), runners...)
			if err := printResults(c.App.Writer, c.String("format"), results); err != nil {
				return err
			}
			return runErr
		},
	}
}

func printResults(out io.Writer, format string, results []hkextract.Result) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "table":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "METRIC\tFOUND\tWRITTEN\tFALLBACK\tSCANNED\tSKIPPED")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%d\t%d\t%t\t%d\t%d\n",
				r.Metric, r.RecordsFound, r.RecordsWritten, r.Fallback, r.Stats.Scanned(), r.Stats.Skipped())
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the extraction API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Listen address"},
			&cli.StringSliceFlag{
				Name:  "allow-source",
				Usage: "Allowed source location prefix; repeatable. {user} is replaced by the caller. Defaults to <data dir>/uploads/{user}",
			},
		},
		Action: func(c *cli.Context) error {
			cfg := loadConfig(c)
			if c.IsSet("addr") {
				cfg.Addr = c.String("addr")
			}

			ctx := c.Context
			logger := zerolog.New(c.App.ErrWriter).Level(cfg.Level()).With().Timestamp().Logger()
			tel := telemetry.New()

			st, err := openStorage(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			opener, err := openSource(ctx, cfg, cfg.S3Region != "")
			if err != nil {
				return err
			}

			allowed := c.StringSlice("allow-source")
			if len(allowed) == 0 {
				allowed = []string{filepath.Join(cfg.DataDir, "uploads", server.UserPlaceholder)}
			}
			logger.Info().Strs("allowed_sources", allowed).Msg("source locations")

			var auth server.Authorizer = server.SingleUser(cfg.User)
			if cfg.JWTSecret != "" {
				auth = server.NewJWTAuthorizer([]byte(cfg.JWTSecret))
			} else {
				logger.Warn().Str("user", cfg.User).Msg("HKX_JWT_SECRET is not set; every request acts as the default user")
			}

			srv := server.New(server.Config{
				Authorizer: auth,
				RunnerOptions: []runner.Option{
					runner.WithOpener(opener),
					runner.WithSink(st.sink),
					runner.WithLogger(logger),
					runner.WithTelemetry(tel),
					runner.WithChunkSize(cfg.ChunkSize),
				},
				Series:         st.reader,
				Metric:         cfg.Metric,
				AllowedSources: allowed,
				RunTimeout:     cfg.RunTimeout,
				RateLimit:      rate.Limit(cfg.RateLimit),
				RateBurst:      cfg.RateBurst,
				Telemetry:      tel,
				Logger:         logger,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Serve(gctx, cfg.Addr) })
			g.Go(func() error {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-ticker.C:
						tel.SampleMemory()
					}
				}
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info().Msg("shut down")
			return nil
		},
	}
}

// =============================================================================
// MIGRATE COMMAND
// =============================================================================

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the PostgreSQL schema used by the postgres sink",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-url", Usage: "PostgreSQL connection string; overrides HKX_DATABASE_URL"},
		},
		Action: func(c *cli.Context) error {
			cfg := loadConfig(c)
			dsn := cfg.DatabaseURL
			if c.IsSet("database-url") {
				dsn = c.String("database-url")
			}
			if dsn == "" {
				return errors.New("no database configured: set --database-url or HKX_DATABASE_URL")
			}

			pg, err := sink.OpenPostgres(c.Context, dsn)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := sink.Migrate(c.Context, pg.DB()); err != nil {
				return err
			}
			logger := consoleLogger(c, cfg)
			logger.Info().Msg("schema is up to date")
			return nil
		},
	}
}

// =============================================================================
// METRICS COMMAND
// =============================================================================

func metricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "List the supported metrics",
		Action: func(c *cli.Context) error {
			cfg := loadConfig(c)
			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tUNIT\tRETENTION\tORDER\tTYPES")
			for _, m := range hkextract.Catalog() {
				m, err := cfg.Metric(m.Name)
				if err != nil {
					return err
				}
				retention := m.Retention.String()
				if m.Retention.IsZero() {
					retention = "all"
				}
				types := strings.Join(m.Types, ",")
				if types == "" {
					types = m.Element
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.Name, m.Unit, retention, m.Order, types)
			}
			return w.Flush()
		},
	}
}

// =============================================================================
// TOKEN COMMAND
// =============================================================================

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an API token signed with HKX_JWT_SECRET",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Token subject", Required: true},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour, Usage: "Token lifetime"},
		},
		Action: func(c *cli.Context) error {
			cfg := loadConfig(c)
			if cfg.JWTSecret == "" {
				return errors.New("HKX_JWT_SECRET is not set")
			}
			tok, err := server.NewJWTAuthorizer([]byte(cfg.JWTSecret)).Issue(c.String("user"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, tok)
			return nil
		},
	}
}
