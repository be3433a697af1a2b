// Package querygrid assembles the process: definition store, partition
// cache, remote client, engine manager and the HTTP server in front of them.
package querygrid

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/querygrid/querygrid/pkg/api"
	"github.com/querygrid/querygrid/pkg/engine"
	"github.com/querygrid/querygrid/pkg/querydef"
	"github.com/querygrid/querygrid/pkg/remote"
	"github.com/querygrid/querygrid/pkg/storage/partcache"
	util_log "github.com/querygrid/querygrid/pkg/util/log"
	"github.com/querygrid/querygrid/pkg/worker"
)

// ServerConfig holds the HTTP listener knobs.
type ServerConfig struct {
	HTTPListenAddress       string        `yaml:"http_listen_address"`
	HTTPListenPort          int           `yaml:"http_listen_port"`
	HTTPServerReadTimeout   time.Duration `yaml:"http_server_read_timeout"`
	HTTPServerWriteTimeout  time.Duration `yaml:"http_server_write_timeout"`
	HTTPServerIdleTimeout   time.Duration `yaml:"http_server_idle_timeout"`
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

func (cfg *ServerConfig) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, "server.http-listen-address", "", "HTTP listen address. Empty binds all interfaces.")
	f.IntVar(&cfg.HTTPListenPort, "server.http-listen-port", 3900, "HTTP listen port.")
	f.DurationVar(&cfg.HTTPServerReadTimeout, "server.http-read-timeout", 30*time.Second, "Read timeout for HTTP requests.")
	f.DurationVar(&cfg.HTTPServerWriteTimeout, "server.http-write-timeout", 30*time.Second, "Write timeout for HTTP responses.")
	f.DurationVar(&cfg.HTTPServerIdleTimeout, "server.http-idle-timeout", 120*time.Second, "Idle timeout for HTTP connections.")
	f.DurationVar(&cfg.GracefulShutdownTimeout, "server.graceful-shutdown-timeout", 30*time.Second, "How long to wait for in-flight requests when shutting down.")
}

// Config is the root configuration, aggregating every component's config.
type Config struct {
	Server    ServerConfig `yaml:"server,omitempty"`
	LogLevel  dslog.Level  `yaml:"log_level,omitempty"`
	LogFormat string       `yaml:"log_format,omitempty"`

	Definitions querydef.StoreConfig    `yaml:"definitions,omitempty"`
	Endpoints   querydef.EndpointConfig `yaml:"endpoints,omitempty"`
	Cache       partcache.Config        `yaml:"cache,omitempty"`
	Remote      remote.Config           `yaml:"remote,omitempty"`
	Worker      worker.Config           `yaml:"worker,omitempty"`
	Engine      engine.Config           `yaml:"engine,omitempty"`
}

// RegisterFlags registers flags for every component. Defaults set here are
// the documented defaults; a config file loaded afterwards overrides them.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	c.Server.RegisterFlags(f)
	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log line format, logfmt or json.")

	c.Definitions.RegisterFlags(f)
	c.Endpoints.RegisterFlags(f)
	c.Cache.RegisterFlagsWithPrefix("cache.", f)
	c.Remote.RegisterFlags(f)
	c.Worker.RegisterFlags(f)
	c.Engine.RegisterFlags(f)
}

// Validate checks the parts the process cannot start without.
func (c *Config) Validate() error {
	if c.Definitions.URL == "" {
		return errors.New("definition store URL is required (-definitions.url)")
	}
	if c.Endpoints.Default.IsZero() && len(c.Endpoints.ByKey) == 0 {
		return errors.New("no query endpoints configured")
	}
	switch c.LogFormat {
	case "", "logfmt", "json":
	default:
		return errors.Errorf("unrecognized log format %q", c.LogFormat)
	}
	return nil
}

// App is one assembled querygrid process.
type App struct {
	cfg    Config
	logger log.Logger

	defs    *querydef.Store
	store   partcache.Store
	manager *engine.Manager
	server  *http.Server
}

// New builds the process from its configuration. Metrics register on reg;
// pass prometheus.DefaultRegisterer outside tests.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	defs, err := querydef.NewStore(cfg.Definitions, logger)
	if err != nil {
		return nil, errors.Wrap(err, "building definition store")
	}

	store, err := partcache.New(cfg.Cache, logger, partcache.NewMetrics(reg))
	if err != nil {
		return nil, errors.Wrap(err, "opening partition cache")
	}

	remoteClient, err := remote.New(cfg.Remote, logger, remote.NewMetrics(reg))
	if err != nil {
		store.Stop()
		return nil, errors.Wrap(err, "building remote client")
	}

	notifier := engine.NotifierFunc(func(n engine.Notification) {
		level.Debug(logger).Log("msg", "notification", "severity", n.Severity, "text", n.Message)
	})
	manager := engine.NewManager(cfg.Engine, cfg.Worker, defs, cfg.Endpoints, remoteClient, store, notifier, logger, reg)

	app := &App{
		cfg:     cfg,
		logger:  logger,
		defs:    defs,
		store:   store,
		manager: manager,
	}

	router := mux.NewRouter()
	api.New(manager, store, logger).RegisterRoutes(router)
	router.Path("/metrics").Handler(promhttp.Handler())
	router.Path("/log_level").Handler(util_log.LevelHandler(&app.cfg.LogLevel))

	app.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.HTTPListenAddress, strconv.Itoa(cfg.Server.HTTPListenPort)),
		Handler:      router,
		ReadTimeout:  cfg.Server.HTTPServerReadTimeout,
		WriteTimeout: cfg.Server.HTTPServerWriteTimeout,
		IdleTimeout:  cfg.Server.HTTPServerIdleTimeout,
	}
	return app, nil
}

// Run serves HTTP until a termination signal arrives or the listener fails.
func (a *App) Run() error {
	serveErr := make(chan error, 1)
	go func() {
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	terminate := make(chan os.Signal, 1)
	signal.Notify(terminate, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(terminate)

	level.Info(a.logger).Log("msg", "querygrid up", "addr", a.server.Addr)

	select {
	case sig := <-terminate:
		level.Info(a.logger).Log("msg", "shutting down", "signal", sig.String())
		return nil
	case err := <-serveErr:
		return errors.Wrap(err, "http server")
	}
}

// Stop drains the HTTP server, then stops the tables and the store behind
// them. Forcibly closes the server if draining runs out the timeout.
func (a *App) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	err := a.server.Shutdown(ctx)
	if err != nil {
		err = a.server.Close()
	}

	a.manager.Stop()
	a.store.Stop()
	return errors.Wrap(err, "stopping http server")
}
