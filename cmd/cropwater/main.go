package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/joeblew999/plat-cropwater/internal/catalogclient"
	"github.com/joeblew999/plat-cropwater/internal/explorer"
	"github.com/joeblew999/plat-cropwater/internal/server"
)

// Options defines all CLI flags and env vars for the server.
// Flags: --host, --port, --data-dir, --redis-url, ...
// Env vars: SERVICE_HOST, SERVICE_PORT, SERVICE_DATA_DIR, SERVICE_REDIS_URL, ...
type Options struct {
	Host         string `doc:"Host to bind to" default:"0.0.0.0"`
	Port         int    `doc:"Port to listen on" short:"p" default:"8086"`
	DataDir      string `doc:"Directory for catalog files and the DuckDB database" default:".data"`
	DBName       string `doc:"DuckDB file name under <data-dir>/duckdb, empty for in-memory" default:"cropwater"`
	RedisURL     string `doc:"Redis URL for the shared resolve cache, empty for in-memory"`
	CacheTTL     int    `doc:"Resolve cache TTL in seconds, 0 keeps entries until flushed" default:"3600"`
	NATSURL      string `doc:"NATS URL to mirror catalog events across instances"`
	NATSSubject  string `doc:"NATS subject for catalog events" default:"cropwater.events"`
	CatalogURL   string `doc:"Remote catalog base URL for explorer sessions, empty for the local catalog"`
	ShowcaseFile string `doc:"YAML showcase script, empty for the embedded one"`
	TemplatesDir string `doc:"Directory of HTML fragments, empty for the embedded ones"`
	SQLConsole   bool   `doc:"Serve the ad-hoc SQL console at /api/v1/query (admin only)"`
	LogLevel     string `doc:"Log level" enum:"debug,info,warn,error" default:"info"`
	LogDev       bool   `doc:"Human readable development logs"`
}

func newLogger(opts *Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.LogDev {
		cfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

func newServer(opts *Options, log *zap.Logger) (*server.Server, error) {
	return server.New(server.Config{
		Host:         opts.Host,
		Port:         fmt.Sprintf("%d", opts.Port),
		DataDir:      opts.DataDir,
		DBName:       opts.DBName,
		RedisURL:     opts.RedisURL,
		CacheTTL:     time.Duration(opts.CacheTTL) * time.Second,
		NATSURL:      opts.NATSURL,
		NATSSubject:  opts.NATSSubject,
		CatalogURL:   opts.CatalogURL,
		ShowcaseFile: opts.ShowcaseFile,
		TemplatesDir: opts.TemplatesDir,
		SQLConsole:   opts.SQLConsole,
		Logger:       log,
	})
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func main() {
	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		var (
			log     *zap.Logger
			srv     *server.Server
			httpSrv *http.Server
		)

		hooks.OnStart(func() {
			var err error
			if log, err = newLogger(opts); err != nil {
				fatal("Invalid log options", err)
			}
			defer log.Sync()

			if srv, err = newServer(opts, log); err != nil {
				log.Fatal("server init failed", zap.Error(err))
			}

			addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
			displayHost := opts.Host
			if displayHost == "0.0.0.0" {
				displayHost = "localhost"
			}
			baseURL := fmt.Sprintf("http://%s:%d", displayHost, opts.Port)

			fmt.Println()
			fmt.Printf("plat-cropwater server starting...\n")
			fmt.Printf("  Server:   %s\n", baseURL)
			fmt.Printf("  Data:     %s\n", opts.DataDir)
			fmt.Println()
			fmt.Printf("  Explorer: %s/explorer\n", baseURL)
			fmt.Printf("  Docs:     %s/docs\n", baseURL)
			fmt.Printf("  OpenAPI:  %s/openapi.json\n", baseURL)
			fmt.Println()

			httpSrv = &http.Server{Addr: addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal("server error", zap.Error(err))
			}
		})

		hooks.OnStop(func() {
			if httpSrv == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// Session streams never end on their own; closing the server
			// ends them before Shutdown waits for handlers.
			if err := srv.Close(); err != nil {
				log.Warn("close", zap.Error(err))
			}
			if err := httpSrv.Shutdown(ctx); err != nil {
				log.Warn("shutdown", zap.Error(err))
			}
		})
	})

	cli.Root().Use = "cropwater"
	cli.Root().Short = "Crop water footprint explorer and layer catalog"
	cli.Root().Version = "0.1.0"

	// spec subcommand: export OpenAPI spec
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Export OpenAPI spec (JSON by default, --yaml for YAML)",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			// The document does not depend on external backends.
			local := *opts
			local.DBName, local.RedisURL, local.NATSURL = "", "", ""
			srv, err := newServer(&local, zap.NewNop())
			if err != nil {
				fatal("Error creating server", err)
			}
			defer srv.Close()

			useYAML, _ := cmd.Flags().GetBool("yaml")
			out, err := marshal(srv.OpenAPI(), useYAML)
			if err != nil {
				fatal("Error marshaling spec", err)
			}
			fmt.Println(string(out))
		}),
	}
	specCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(specCmd)

	// resolve subcommand: resolve a query string against a running server
	resolveCmd := &cobra.Command{
		Use:     "resolve <query>",
		Short:   "Resolve a layer query against a server",
		Example: `  cropwater resolve "crop=wheat&water_model=cwatm&climate_model=gfdl-esm2m&scenario=rcp26&variable=wf&datetime=2030"`,
		Args:    cobra.ExactArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			params, err := url.ParseQuery(args[0])
			if err != nil {
				fatal("Invalid query", err)
			}
			q, err := explorer.ParseQuery(params)
			if err != nil {
				fatal("Invalid query", err)
			}

			base, _ := cmd.Flags().GetString("server")
			if base == "" {
				base = fmt.Sprintf("http://localhost:%d", opts.Port)
			}
			records, err := catalogclient.New(base).ResolveLayer(context.Background(), q)
			if err != nil {
				fatal("Resolve failed", err)
			}
			if len(records) == 0 {
				fmt.Fprintln(os.Stderr, "No layer for this selection")
				os.Exit(2)
			}

			useYAML, _ := cmd.Flags().GetBool("yaml")
			out, err := marshal(records, useYAML)
			if err != nil {
				fatal("Error marshaling records", err)
			}
			fmt.Println(string(out))
		}),
	}
	resolveCmd.Flags().StringP("server", "s", "", "Server base URL (default http://localhost:<port>)")
	resolveCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(resolveCmd)

	cli.Run()
}

func marshal(v any, useYAML bool) ([]byte, error) {
	if useYAML {
		return yaml.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}
