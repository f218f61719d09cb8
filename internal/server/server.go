package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joeblew999/plat-cropwater/internal/api"
	"github.com/joeblew999/plat-cropwater/internal/api/viewer"
	"github.com/joeblew999/plat-cropwater/internal/catalogclient"
	"github.com/joeblew999/plat-cropwater/internal/db"
	"github.com/joeblew999/plat-cropwater/internal/explorer"
	"github.com/joeblew999/plat-cropwater/internal/humastar"
	"github.com/joeblew999/plat-cropwater/internal/service"
	"github.com/joeblew999/plat-cropwater/internal/templates"
)

// Config holds the server configuration.
type Config struct {
	Host    string
	Port    string
	DataDir string
	// DBName names the DuckDB file under <data>/duckdb; empty is in-memory.
	DBName string
	// RedisURL selects the Redis resolve cache; empty keeps it in memory.
	RedisURL string
	CacheTTL time.Duration
	// NATSURL mirrors catalog events over NATS; empty disables the mirror.
	NATSURL     string
	NATSSubject string
	// CatalogURL points explorer sessions at a remote catalog instead of
	// the local one.
	CatalogURL string
	// ShowcaseFile replaces the embedded showcase script.
	ShowcaseFile string
	// TemplatesDir loads HTML fragments from disk instead of the embedded
	// copies.
	TemplatesDir string
	// SQLConsole enables POST /api/v1/query.
	SQLConsole bool
	Showcase   explorer.ShowcaseConfig
	Logger     *zap.Logger
}

// Server is the crop-water HTTP server.
type Server struct {
	config   Config
	log      *zap.Logger
	mux      *http.ServeMux
	humaAPI  huma.API
	db       *sql.DB
	services *api.Services
	renderer *templates.Renderer
	sessions *viewer.Manager
	viewer   *viewer.Handler
	links    *humastar.Links
	redis    *service.RedisCache
	nats     *service.NATSMirror

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a server and starts its background workers. Close releases
// them.
func New(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		config: cfg,
		log:    log,
		mux:    http.NewServeMux(),
		links:  humastar.NewLinks("explorer"),
	}

	humaConfig := huma.DefaultConfig("plat-cropwater API", "1.0.0")
	humaConfig.Info.Description = "Crop water footprint explorer: layer catalog, country statistics and map explorer sessions."
	humaConfig.Servers = []*huma.Server{
		{URL: fmt.Sprintf("http://%s:%s", cfg.Host, cfg.Port), Description: "Local server"},
	}
	// Disable $schema property in responses (cleaner JSON)
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}
	humaConfig.Transformers = append(humaConfig.Transformers, s.links.Transformer())
	s.humaAPI = humago.New(s.mux, humaConfig)

	if err := s.init(); err != nil {
		s.Close()
		return nil, err
	}
	s.routes()
	s.links.Build(s.humaAPI)
	return s, nil
}

func (s *Server) init() error {
	cfg := s.config
	ctx := context.Background()

	conn, err := db.Open(db.Config{DataDir: cfg.DataDir, DBName: cfg.DBName})
	if err != nil {
		return err
	}
	s.db = conn

	stats, err := service.NewStatisticsService(ctx, conn)
	if err != nil {
		return err
	}

	var cache service.ResolveCache = service.NewMemoryCache(cfg.CacheTTL)
	if cfg.RedisURL != "" {
		rc, err := service.NewRedisCache(ctx, cfg.RedisURL, cfg.CacheTTL, s.log.Named("cache"))
		if err != nil {
			return err
		}
		s.redis = rc
		cache = rc
	}

	layers := service.NewLayerService(cfg.DataDir, s.log.Named("layers"))
	styles := service.NewStyleService(cfg.DataDir, s.log.Named("styles"))
	s.services = &api.Services{
		Layer:   layers,
		Style:   styles,
		Stats:   stats,
		Catalog: service.NewCatalogService(layers, styles, stats, cache, s.log.Named("catalog")),
		Country: service.NewCountryService(cfg.DataDir),
		Sources: service.NewSourceService(cfg.DataDir),
		Bus:     service.NewEventBus(),
	}

	if cfg.NATSURL != "" {
		m, err := service.ConnectNATS(cfg.NATSURL, cfg.NATSSubject, s.log.Named("nats"))
		if err != nil {
			return err
		}
		s.nats = m
	}

	if cfg.TemplatesDir != "" {
		s.renderer, err = templates.NewDir(cfg.TemplatesDir)
	} else {
		s.renderer, err = templates.New()
	}
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	script, err := explorer.DefaultScript()
	if cfg.ShowcaseFile != "" {
		script, err = explorer.LoadScript(cfg.ShowcaseFile)
	}
	if err != nil {
		return fmt.Errorf("load showcase: %w", err)
	}

	src := viewer.Sources{
		Catalog:   s.services.Catalog,
		Reference: s.services.Catalog,
		Polygons:  s.services.Country,
	}
	if cfg.CatalogURL != "" {
		remote := catalogclient.New(cfg.CatalogURL, catalogclient.WithLogger(s.log.Named("remote")))
		src = viewer.Sources{Catalog: remote, Reference: remote, Polygons: remote}
	}
	s.sessions = viewer.NewManager(src, explorer.Config{
		Showcase: cfg.Showcase,
		Script:   script,
	}, s.services.Bus, s.log.Named("explorer"))
	s.viewer = viewer.NewHandler(s.sessions, s.renderer, s.log.Named("viewer"))

	var bgCtx context.Context
	bgCtx, s.cancel = context.WithCancel(ctx)
	s.group, bgCtx = errgroup.WithContext(bgCtx)
	s.group.Go(func() error {
		s.services.Catalog.InvalidateOn(bgCtx, s.services.Bus)
		return nil
	})
	if s.nats != nil {
		s.group.Go(func() error {
			if err := s.nats.Run(bgCtx, s.services.Bus); err != nil {
				s.log.Error("nats mirror stopped", zap.Error(err))
			}
			return nil
		})
	}
	return nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// OpenAPI returns the generated OpenAPI document.
func (s *Server) OpenAPI() *huma.OpenAPI {
	return s.humaAPI.OpenAPI()
}

// Services exposes the catalog services, for the CLI and tests.
func (s *Server) Services() *api.Services {
	return s.services
}

// Close stops sessions and background workers and releases connections.
func (s *Server) Close() error {
	if s.sessions != nil {
		s.sessions.Close()
	}
	var err error
	if s.cancel != nil {
		s.cancel()
		err = s.group.Wait()
	}
	if s.nats != nil {
		s.nats.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.db != nil {
		if cerr := s.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) routes() {
	// Register* methods on the handler are discovered by huma.AutoRegister.
	huma.AutoRegister(s.humaAPI, api.NewAPIHandler(s.services))
	api.NewDBHandler(s.db, s.config.SQLConsole).RegisterRoutes(s.humaAPI)
	api.NewInfoHandler(s.config.DataDir, api.Backends{
		DB:    s.db != nil,
		Cache: s.cacheBackend(),
		NATS:  s.nats != nil,
	}).RegisterRoutes(s.humaAPI)
	s.viewer.RegisterRoutes(s.humaAPI)

	s.mux.HandleFunc("/explorer", s.handleExplorer)
	s.mux.HandleFunc("/", s.handleRoot)
}

func (s *Server) cacheBackend() string {
	if s.redis != nil {
		return "redis"
	}
	return "memory"
}

// handleRoot serves the explorer page for browsers and a JSON index with
// the entry point links for API clients.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	for _, link := range s.links.Root() {
		w.Header().Add("Link", link)
	}
	if r.Header.Get("Accept") == "application/json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"service": "plat-cropwater",
			"status":  "running",
		})
		return
	}
	s.viewer.ServePage(w, r)
}

func (s *Server) handleExplorer(w http.ResponseWriter, r *http.Request) {
	s.viewer.ServePage(w, r, s.links.Root()...)
}
