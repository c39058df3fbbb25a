package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/mainstem-explorer/internal/api"
	"github.com/joeblew999/mainstem-explorer/internal/api/explorer"
	"github.com/joeblew999/mainstem-explorer/internal/config"
	"github.com/joeblew999/mainstem-explorer/internal/db"
	"github.com/joeblew999/mainstem-explorer/internal/humastar"
	"github.com/joeblew999/mainstem-explorer/internal/mainstem"
	"github.com/joeblew999/mainstem-explorer/internal/registry"
	"github.com/joeblew999/mainstem-explorer/internal/service"
	"github.com/joeblew999/mainstem-explorer/internal/templates"
	"github.com/joeblew999/mainstem-explorer/internal/tiles"
	"github.com/joeblew999/mainstem-explorer/internal/viewer"
	"github.com/joeblew999/mainstem-explorer/internal/wiring"
)

// Config holds the server configuration.
type Config struct {
	Host     string
	Port     string
	DataDir  string // DuckDB files and sources/; empty keeps everything in memory
	WebDir   string // Path to web/ directory for static files and template overrides
	Explorer config.Config
	Logger   *slog.Logger
}

// Server is the mainstem explorer HTTP server.
type Server struct {
	config   Config
	mux      *http.ServeMux
	humaAPI  huma.API
	db       *sql.DB
	bus      *service.EventBus
	services *api.Services
	renderer *templates.Renderer
	viewers  *viewer.Manager
	log      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the database and wires every service and route.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Explorer.TransitionZoom == 0 {
		cfg.Explorer = config.Defaults()
	}
	log := cfg.Logger
	mux := http.NewServeMux()

	// Create Huma API with humago (pure stdlib) adapter
	humaConfig := huma.DefaultConfig("Mainstem Explorer API", api.Version)
	humaConfig.Info.Description = "Search hydrologic mainstems, browse their datasets and drive server-side map sessions."
	humaConfig.Servers = []*huma.Server{
		{URL: fmt.Sprintf("http://%s:%s", cfg.Host, cfg.Port), Description: "Local server"},
	}
	// Disable $schema property in responses (cleaner JSON)
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}
	humaConfig.Transformers = append(humaConfig.Transformers, humastar.LinkTransformer())

	humaAPI := humago.New(mux, humaConfig)

	conn, err := db.Open(db.Config{DataDir: cfg.DataDir, DBName: "mainstems"})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	bus := service.NewEventBus()
	store := service.NewMainstemService(conn, bus)
	tileServer, err := tiles.New(store, tiles.Options{
		Layer:     registry.SourceMainstems,
		CacheSize: cfg.Explorer.TileCacheSize,
		Logger:    log,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Initialize template renderer; fragments under web/ override the embedded set
	renderer := templates.Default()
	if cfg.WebDir != "" {
		fragmentsDir := filepath.Join(cfg.WebDir, "templates", "fragments")
		if _, err := os.Stat(fragmentsDir); err == nil {
			r, err := templates.New(fragmentsDir)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("loading templates: %w", err)
			}
			renderer = r
			log.Info("loaded fragment templates", "dir", fragmentsDir)
		}
	}

	var sessionStore viewer.Store = store
	opts := registry.Options{
		ClusterRadius:     cfg.Explorer.Cluster.Radius,
		ClusterMaxZoom:    cfg.Explorer.Cluster.MaxZoom,
		TransitionZoom:    cfg.Explorer.TransitionZoom,
		FeatureServiceURL: cfg.Explorer.FeatureService.URL,
		Simplify:          cfg.Explorer.FeatureService.Simplify,
		Datasets: func(ctx context.Context) (*geojson.FeatureCollection, error) {
			return store.DatasetFeatures(ctx, service.DatasetFilter{})
		},
	}
	if cfg.Explorer.APIBase != "" {
		client := mainstem.NewClient(cfg.Explorer.APIBase)
		sessionStore = remoteStore{client}
		opts.TileURL = client.BaseURL + "/tiles/mainstems/{z}/{x}/{y}"
		opts.Datasets = func(ctx context.Context) (*geojson.FeatureCollection, error) {
			return client.DatasetFeatures(ctx, "")
		}
		log.Info("viewer sessions read from remote API", "api_base", client.BaseURL)
	}
	reg := registry.Mainstems(opts)
	if err := reg.Validate(); err != nil {
		conn.Close()
		return nil, err
	}

	viewers := viewer.NewManager(sessionStore, reg, renderer, viewer.Config{
		Style:           cfg.Explorer.Style,
		TransitionZoom:  cfg.Explorer.TransitionZoom,
		FilteredOpacity: cfg.Explorer.FilteredOpacity,
		SearchDebounce:  cfg.Explorer.SearchDebounce,
		HoverDebounce:   cfg.Explorer.HoverDebounce,
		SearchLimit:     cfg.Explorer.SearchLimit,
		Controls:        cfg.Explorer.Controls,
		Loader:          wiring.NewFeatureServiceLoader(),
		Logger:          log,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:  cfg,
		mux:     mux,
		humaAPI: humaAPI,
		db:      conn,
		bus:     bus,
		services: &api.Services{
			Mainstems: store,
			Sources:   service.NewSourceService(cfg.DataDir),
			Importer:  service.NewImporter(store, log),
			Registry:  reg,
			Tiles:     tileServer,
		},
		renderer: renderer,
		viewers:  viewers,
		log:      log,
		cancel:   cancel,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		viewers.Watch(ctx, bus)
	}()
	go func() {
		defer s.wg.Done()
		s.purgeTiles(ctx)
	}()

	s.routes()
	return s, nil
}

// purgeTiles drops cached tiles whenever mainstems change.
func (s *Server) purgeTiles(ctx context.Context) {
	ch := s.bus.Subscribe()
	defer s.bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Resource == service.ResourceMainstems {
				s.services.Tiles.Purge()
			}
		}
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.log.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

// OpenAPI returns the generated OpenAPI document.
func (s *Server) OpenAPI() *huma.OpenAPI {
	return s.humaAPI.OpenAPI()
}

// Import loads a shapefile or GeoJSON file into the store.
func (s *Server) Import(ctx context.Context, path string) (service.ImportResult, error) {
	return s.services.Importer.ImportFile(ctx, path)
}

// Viewers returns the viewer session manager.
func (s *Server) Viewers() *viewer.Manager { return s.viewers }

// Close tears down sessions and closes server resources.
func (s *Server) Close() error {
	s.cancel()
	s.viewers.Shutdown()
	s.wg.Wait()
	return s.db.Close()
}

func (s *Server) routes() {
	// Register Huma REST API routes (OpenAPI-documented JSON endpoints)
	api.Register(s.humaAPI, s.services)
	api.NewInfoHandler(s.config.DataDir, s.services.Mainstems).RegisterRoutes(s.humaAPI)

	// Viewer session routes using Huma + Datastar SDK
	sessions := explorer.NewSessionHandler(s.viewers, s.renderer, s.log)
	sessions.RegisterRoutes(s.humaAPI)

	humastar.AutoLinks(s.humaAPI)

	// Static files
	if s.config.WebDir != "" {
		staticDir := filepath.Join(s.config.WebDir, "static")
		s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))
	}

	// Page routes
	s.mux.Handle("/viewer", sessions.Page())
	s.mux.HandleFunc("/", s.handleRoot)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	for _, link := range humastar.RootLinks() {
		w.Header().Add("Link", link)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"service":  "mainstem-explorer",
		"status":   "running",
		"sessions": s.viewers.Len(),
	})
}
