package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/naxie/pkg/api"
	"github.com/go-go-golems/naxie/pkg/capture"
	"github.com/go-go-golems/naxie/pkg/config"
	"github.com/go-go-golems/naxie/pkg/eventbus"
	"github.com/go-go-golems/naxie/pkg/metrics"
	"github.com/go-go-golems/naxie/pkg/naxie"
	"github.com/go-go-golems/naxie/pkg/reassembly"
	"github.com/go-go-golems/naxie/pkg/redisstream"
	"github.com/go-go-golems/naxie/pkg/transport"
)

// app carries the global flags and the loaded configuration shared by all commands.
type app struct {
	configPath  string
	logLevel    string
	withCaller  bool
	metricsAddr string

	wsURL     string
	endpoint  string
	apiURL    string
	apiKey    string
	model     string
	strictEOF bool
	capture   string
	mirror    bool
	redisAddr string

	cfg *config.Config
}

func (a *app) addFlags(root *cobra.Command) {
	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "Path to a YAML config file")
	f.StringVar(&a.logLevel, "log-level", "", "Global log level (trace, debug, info, warn, error)")
	f.BoolVar(&a.withCaller, "with-caller", false, "Include caller (file:line) in logs")
	f.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")

	f.StringVar(&a.wsURL, "ws-url", "", "Websocket base URL (overrides websocket.base_url)")
	f.StringVar(&a.endpoint, "endpoint", "", "Websocket endpoint path (overrides websocket.endpoint)")
	f.StringVar(&a.apiURL, "api-url", "", "HTTP API base URL (overrides api.base_url)")
	f.StringVar(&a.apiKey, "api-key", "", "Bearer token for the HTTP API (overrides api.api_key)")
	f.StringVar(&a.model, "model", "", "Initially selected model")
	f.BoolVar(&a.strictEOF, "strict-eof", false, "Only treat EOF as end of stream when it is the frame's last word")
	f.StringVar(&a.capture, "capture", "", "Record raw frames to this SQLite file")
	f.BoolVar(&a.mirror, "mirror", false, "Mirror bus events to the configured mirror backend")
	f.StringVar(&a.redisAddr, "redis-addr", "", "Redis address for the mirror (switches the backend to redis)")
}

func (a *app) init(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := a.applyOverrides(cmd, cfg); err != nil {
		return err
	}
	a.cfg = cfg

	level := cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	initLogger(level, a.withCaller)

	addr := cfg.Metrics.Addr
	if a.metricsAddr != "" {
		addr = a.metricsAddr
	}
	if addr != "" {
		serveMetrics(addr)
	}
	return nil
}

func (a *app) applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if f.Changed(name) {
			*dst = v
		}
	}
	set("ws-url", &cfg.Websocket.BaseURL, a.wsURL)
	set("endpoint", &cfg.Websocket.Endpoint, a.endpoint)
	set("api-url", &cfg.API.BaseURL, a.apiURL)
	set("api-key", &cfg.API.APIKey, a.apiKey)
	set("model", &cfg.DefaultModel, a.model)
	if f.Changed("strict-eof") {
		cfg.Websocket.StrictEOF = a.strictEOF
	}
	if f.Changed("capture") {
		cfg.Capture.Enabled = a.capture != ""
		cfg.Capture.Path = a.capture
	}
	if f.Changed("mirror") {
		cfg.Mirror.Enabled = a.mirror
	}
	if f.Changed("redis-addr") {
		cfg.Mirror.Backend = redisstream.BackendRedis
		cfg.Mirror.Addr = a.redisAddr
	}
	return errors.Wrap(cfg.Validate(), "invalid configuration")
}

func initLogger(level string, withCaller bool) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	if withCaller {
		log.Logger = log.Logger.With().Caller().Logger()
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}

func (a *app) eofMode() reassembly.EOFMode {
	if a.cfg.Websocket.StrictEOF {
		return reassembly.EOFExact
	}
	return reassembly.EOFContains
}

func (a *app) apiClient() *api.Client {
	return api.NewClient(api.Config{BaseURL: a.cfg.APIBaseURL(), APIKey: a.cfg.API.APIKey})
}

// chatSession is a controller plus the optional recorder and mirror attached to it.
type chatSession struct {
	ctrl     *naxie.Controller
	recorder *capture.SQLiteStore
	pubsub   *redisstream.PubSub
	mirror   *eventbus.Mirror
}

func (a *app) newSession() (*chatSession, error) {
	cfg := a.cfg
	s := &chatSession{}
	opts := []naxie.Option{naxie.WithAPIClient(a.apiClient())}

	if cfg.Capture.Enabled {
		dsn, err := capture.DSNForFile(cfg.Capture.Path)
		if err != nil {
			return nil, err
		}
		rec, err := capture.NewSQLiteStore(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open capture store")
		}
		s.recorder = rec
		opts = append(opts, naxie.WithRecorder(rec))
	}

	s.ctrl = naxie.New(naxie.Config{
		Websocket: transport.Config{
			BaseURL:          cfg.Websocket.BaseURL,
			Endpoint:         cfg.Websocket.Endpoint,
			Header:           cfg.HTTPHeader(),
			HandshakeTimeout: cfg.Websocket.HandshakeTimeout,
		},
		CustomData:   cfg.CustomData,
		DefaultOpen:  true,
		DefaultModel: cfg.DefaultModel,
		EOFMode:      a.eofMode(),
	}, opts...)

	if cfg.Mirror.Enabled {
		ps, err := redisstream.Build(cfg.Mirror)
		if err != nil {
			s.Close()
			return nil, errors.Wrap(err, "build event mirror")
		}
		s.pubsub = ps
		s.mirror = eventbus.NewMirror(s.ctrl.Bus(), ps.Publisher, cfg.Mirror.Stream)
		log.Info().Str("backend", string(cfg.Mirror.Backend)).Str("stream", cfg.Mirror.Stream).Msg("mirroring events")
	}
	return s, nil
}

func (s *chatSession) Close() {
	if s.mirror != nil {
		s.mirror.Close()
	}
	if s.ctrl != nil {
		s.ctrl.Destroy()
	}
	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
	if s.recorder != nil {
		_ = s.recorder.Close()
	}
}

func (a *app) requireWebsocket() error {
	if !a.cfg.HasWebsocket() {
		return errors.New("no websocket configured: set websocket.base_url or pass --ws-url")
	}
	return nil
}

func connectWithTimeout(ctx context.Context, s *chatSession, d time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return s.ctrl.Connect(cctx)
}
