package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joeblew999/mainstem-explorer/internal/config"
	"github.com/joeblew999/mainstem-explorer/internal/logging"
	"github.com/joeblew999/mainstem-explorer/internal/server"
)

// Options defines all CLI flags and env vars for the explorer server.
// Flags: --host, --port, --data-dir, --web-dir, --config, --log-level
// Env vars: SERVICE_HOST, SERVICE_PORT, SERVICE_DATA_DIR, SERVICE_WEB_DIR, SERVICE_CONFIG, SERVICE_LOG_LEVEL
type Options struct {
	Host     string `doc:"Host to bind to" default:"0.0.0.0"`
	Port     int    `doc:"Port to listen on" short:"p" default:"8086"`
	DataDir  string `doc:"Directory for the database and importable sources" default:".data"`
	WebDir   string `doc:"Path to web/ directory" default:"web"`
	Config   string `doc:"Explorer tuning file (default ./config.yaml when present)"`
	LogLevel string `doc:"DEBUG, INFO, WARN or ERROR" default:"INFO"`
}

func newServer(opts *Options, log *slog.Logger) (*server.Server, error) {
	explorer, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	return server.New(server.Config{
		Host:     opts.Host,
		Port:     fmt.Sprintf("%d", opts.Port),
		DataDir:  opts.DataDir,
		WebDir:   opts.WebDir,
		Explorer: explorer,
		Logger:   log,
	})
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	// .env values become SERVICE_* and MAINSTEMS_* defaults; real env wins.
	_ = godotenv.Load()

	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		log := logging.Setup(opts.LogLevel, os.Stderr)
		var (
			srv     *server.Server
			httpSrv *http.Server
		)

		hooks.OnStart(func() {
			var err error
			srv, err = newServer(opts, log)
			if err != nil {
				fail("Error starting server: %v", err)
			}

			addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
			displayHost := opts.Host
			if displayHost == "0.0.0.0" {
				displayHost = "localhost"
			}
			baseURL := fmt.Sprintf("http://%s:%d", displayHost, opts.Port)

			fmt.Println()
			fmt.Printf("mainstem explorer starting...\n")
			fmt.Printf("  Server:  %s\n", baseURL)
			fmt.Printf("  Data:    %s\n", opts.DataDir)
			fmt.Println()
			fmt.Printf("  Viewer:  %s/viewer\n", baseURL)
			fmt.Printf("  Docs:    %s/docs\n", baseURL)
			fmt.Printf("  OpenAPI: %s/openapi.json\n", baseURL)
			fmt.Println()

			httpSrv = &http.Server{Addr: addr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fail("Server error: %v", err)
			}
		})

		hooks.OnStop(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if httpSrv != nil {
				if err := httpSrv.Shutdown(ctx); err != nil {
					log.Warn("http shutdown", "error", err)
				}
			}
			if srv != nil {
				if err := srv.Close(); err != nil {
					log.Warn("closing server", "error", err)
				}
			}
		})
	})

	cli.Root().Use = "geo"
	cli.Root().Short = "Explorer for hydrologic mainstems and their datasets"
	cli.Root().Version = "1.0.0"

	// spec subcommand: export OpenAPI spec
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Export OpenAPI spec (JSON by default, --yaml for YAML)",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			opts.DataDir = "" // in-memory; the spec needs no data
			srv, err := newServer(opts, slog.Default())
			if err != nil {
				fail("Error building server: %v", err)
			}
			defer srv.Close()
			spec := srv.OpenAPI()

			useYAML, _ := cmd.Flags().GetBool("yaml")

			var output []byte
			if useYAML {
				output, err = yaml.Marshal(spec)
			} else {
				output, err = json.MarshalIndent(spec, "", "  ")
			}
			if err != nil {
				fail("Error marshaling spec: %v", err)
			}
			fmt.Println(string(output))
		}),
	}
	specCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(specCmd)

	// import subcommand: load shapefiles or GeoJSON into the database
	importCmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import mainstems (shapefile, GeoJSON) or datasets (GeoJSON, JSON) into the database",
		Args:  cobra.MinimumNArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			srv, err := newServer(opts, slog.Default())
			if err != nil {
				fail("Error opening database: %v", err)
			}
			defer srv.Close()

			enc := json.NewEncoder(os.Stdout)
			for _, path := range args {
				res, err := srv.Import(cmd.Context(), path)
				if err != nil {
					srv.Close()
					fail("Error importing %s: %v", path, err)
				}
				_ = enc.Encode(res)
			}
		}),
	}
	cli.Root().AddCommand(importCmd)

	cli.Run()
}
