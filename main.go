// Command relay runs the collaboration relay.
//
// It supports these modes:
//  1. "serve" (default) – runs the HTTP server exposing the WebSocket relay, REST admin API, /metrics and an /mcp endpoint
//  2. "mcp" – runs an MCP stdio server against a running relay, or spins up an internal one if none is available
//  3. "config" – prints the effective configuration as JSON
//
// Settings come from an optional JSON config file, then RELAY_* environment
// variables (a .env file is loaded first), then flags. Optional ngrok tunneling
// exposes the relay publicly during development.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/collab-relay/api"
	"github.com/wricardo/collab-relay/collab/auth"
	"github.com/wricardo/collab-relay/collab/config"
	"github.com/wricardo/collab-relay/collab/metrics"
	"github.com/wricardo/collab-relay/collab/relay"
	"github.com/wricardo/collab-relay/transport/mcp"
	"github.com/wricardo/collab-relay/transport/websocket"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
)

const (
	Version = "1.0.0"
	AppName = "Collaboration Relay"
)

func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil {
		logrus.WithError(err).Debug("No .env file loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		logrus.WithError(err).Fatal("Relay failed")
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "relay",
		Usage:   "Real-time presence and element lock relay for collaborative editing",
		Version: Version,
		Flags:   append(globalFlags(), ngrokFlags()...),
		Action:  serveAction,
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"server", "http"},
				Usage:   "Run the HTTP server with WebSocket relay, REST API, metrics and MCP endpoint (default)",
				Action:  serveAction,
			},
			{
				Name:    "mcp",
				Aliases: []string{"stdio-mcp", "mcp-stdio"},
				Usage:   "Run an MCP stdio server with admin tools",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "api-url",
						Usage:   "Relay API to proxy; an internal relay is started if it is unreachable",
						Value:   "http://localhost:8081",
						Sources: cli.EnvVars("RELAY_API_URL"),
					},
				},
				Action: mcpAction,
			},
			{
				Name:  "config",
				Usage: "Print the effective configuration as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "save",
						Usage: "Also write the configuration to this file",
					},
				},
				Action: configAction,
			},
		},
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "JSON config file", Sources: cli.EnvVars("RELAY_CONFIG")},
		&cli.StringFlag{Name: "host", Usage: "HTTP server host", Sources: cli.EnvVars("RELAY_HOST")},
		&cli.StringFlag{Name: "port", Aliases: []string{"p"}, Usage: "HTTP server port", Sources: cli.EnvVars("RELAY_PORT")},
		&cli.StringFlag{Name: "auth-mode", Usage: "Token check: 'http' (external authority) or 'static' (token list, development)", Sources: cli.EnvVars("RELAY_AUTH_MODE")},
		&cli.StringFlag{Name: "auth-url", Usage: "Base URL of the token authority; the token is appended", Sources: cli.EnvVars("RELAY_AUTH_URL")},
		&cli.DurationFlag{Name: "auth-timeout", Usage: "Time allowed for one token check", Sources: cli.EnvVars("RELAY_AUTH_TIMEOUT")},
		&cli.StringFlag{Name: "static-tokens", Usage: "Comma separated tokens accepted in static auth mode", Sources: cli.EnvVars("RELAY_STATIC_TOKENS")},
		&cli.DurationFlag{Name: "reap-interval", Usage: "Period of the stale connection sweep", Sources: cli.EnvVars("RELAY_REAP_INTERVAL")},
		&cli.StringFlag{Name: "allowed-origins", Usage: "Comma separated WebSocket origins (empty allows all)", Sources: cli.EnvVars("RELAY_ALLOWED_ORIGINS")},
		&cli.StringFlag{Name: "static-dir", Usage: "Directory served at /", Sources: cli.EnvVars("RELAY_STATIC_DIR")},
		&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)", Sources: cli.EnvVars("RELAY_LOG_LEVEL")},
		&cli.BoolFlag{Name: "log-json", Usage: "Output logs in JSON", Sources: cli.EnvVars("RELAY_LOG_JSON")},
		&cli.BoolFlag{Name: "debug", Usage: "Shorthand for --log-level=debug"},
	}
}

func ngrokFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "ngrok", Usage: "Enable ngrok tunnel", Sources: cli.EnvVars("NGROK_ENABLED")},
		&cli.StringFlag{Name: "ngrok-auth", Usage: "Ngrok auth token", Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN")},
		&cli.StringFlag{Name: "ngrok-domain", Usage: "Custom ngrok domain (optional)", Sources: cli.EnvVars("NGROK_DOMAIN")},
	}
}

// loadConfig layers the config file, environment and flags, in that order.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg := config.Default()
	if path := cmd.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cmd.IsSet("host") {
		cfg.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		port, err := strconv.Atoi(cmd.String("port"))
		if err != nil {
			return nil, fmt.Errorf("%w: port %q is not a number", config.ErrInvalidConfig, cmd.String("port"))
		}
		cfg.Port = port
	}
	if cmd.IsSet("auth-mode") {
		cfg.AuthMode = cmd.String("auth-mode")
	}
	if cmd.IsSet("auth-url") {
		cfg.AuthURL = cmd.String("auth-url")
	}
	if cmd.IsSet("auth-timeout") {
		cfg.AuthTimeout.Duration = cmd.Duration("auth-timeout")
	}
	if cmd.IsSet("static-tokens") {
		cfg.StaticTokens = splitList(cmd.String("static-tokens"))
	}
	if cmd.IsSet("reap-interval") {
		cfg.ReapInterval.Duration = cmd.Duration("reap-interval")
	}
	if cmd.IsSet("allowed-origins") {
		cfg.AllowedOrigins = splitList(cmd.String("allowed-origins"))
	}
	if cmd.IsSet("static-dir") {
		cfg.StaticDir = cmd.String("static-dir")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-json") {
		cfg.LogJSON = cmd.Bool("log-json")
	}
	if cmd.Bool("debug") {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newGate(cfg *config.Config) (auth.Gate, error) {
	switch cfg.AuthMode {
	case config.AuthModeHTTP:
		return auth.NewHTTPGate(cfg.AuthURL, cfg.AuthTimeout.Duration), nil
	case config.AuthModeStatic:
		logrus.WithField("tokens", len(cfg.StaticTokens)).Warn("Static token authentication enabled; do not use in production")
		return auth.NewStaticGate(cfg.StaticTokens...), nil
	}
	return nil, fmt.Errorf("%w: unknown auth_mode %q", config.ErrInvalidConfig, cfg.AuthMode)
}

// relayStack is a relay with everything that serves it over HTTP.
type relayStack struct {
	relay    *relay.Relay
	hub      *websocket.Hub
	api      *api.Server
	registry *prometheus.Registry
}

func newRelayStack(cfg *config.Config) (*relayStack, error) {
	gate, err := newGate(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	logger := logrus.StandardLogger()
	r := relay.New(relay.Options{
		Gate:         gate,
		Metrics:      metrics.New(cfg.MetricsPrefix, reg),
		Logger:       logger,
		AuthTimeout:  cfg.AuthTimeout.Duration,
		ReapInterval: cfg.ReapInterval.Duration,
	})
	hub := websocket.NewHub(r, websocket.Options{
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})
	apiServer := api.NewServer(r, api.Options{
		WebSocket: hub,
		Metrics:   metrics.Handler(reg),
		StaticDir: cfg.StaticDir,
		Version:   Version,
		Logger:    logger,
	})

	return &relayStack{relay: r, hub: hub, api: apiServer, registry: reg}, nil
}

// handler combines the API server with an /mcp endpoint that proxies back to
// baseURL.
func (s *relayStack) handler(baseURL string) http.Handler {
	mcpClient := mcp.NewClient(baseURL, Version)

	mainRouter := http.NewServeMux()
	mainRouter.Handle("/", s.api)
	mainRouter.Handle("/mcp", mcpClient.HTTPHandler())
	return mainRouter
}

// start runs the relay loop until ctx is done. The returned channel closes
// once the relay and every connection have finished.
func (s *relayStack) start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logrus.WithError(err).Error("Relay stopped")
		}
		s.hub.Wait()
	}()
	return done
}

func configAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if path := cmd.String("save"); path != "" {
		if err := cfg.Save(path); err != nil {
			return err
		}
	}
	return cfg.Write(cmd.Root().Writer)
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return err
	}

	return runHTTPServer(ctx, cfg, ngrokOptions{
		enabled: cmd.Bool("ngrok"),
		auth:    cmd.String("ngrok-auth"),
		domain:  cmd.String("ngrok-domain"),
	})
}

type ngrokOptions struct {
	enabled bool
	auth    string
	domain  string
}

// runHTTPServer serves the relay until ctx is cancelled. If ngrok is enabled
// it also provisions a public tunnel.
func runHTTPServer(ctx context.Context, cfg *config.Config, tunnel ngrokOptions) error {
	stack, err := newRelayStack(cfg)
	if err != nil {
		return err
	}

	addr := cfg.Addr()
	handler := stack.handler("http://" + addr)

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	relayDone := stack.start(relayCtx)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()

		logrus.WithFields(logrus.Fields{
			"addr":      addr,
			"version":   Version,
			"auth_mode": cfg.AuthMode,
		}).Info("HTTP server listening")
		logrus.Infof("WebSocket: ws://%s/ws", addr)
		logrus.Infof("REST API: http://%s/api", addr)
		logrus.Infof("MCP endpoint: http://%s/mcp", addr)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	if tunnel.enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runNgrok(ctx, tunnel, handler)
		}()
	}

	select {
	case <-ctx.Done():
		logrus.Info("Shutting down")
	case err = <-serveErr:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown error")
	}

	stopRelay()
	select {
	case <-relayDone:
	case <-shutdownCtx.Done():
		logrus.Warn("Timed out waiting for connections to close")
	}

	wg.Wait()
	logrus.Info("Server stopped")
	return err
}

func runNgrok(ctx context.Context, opts ngrokOptions, handler http.Handler) {
	if opts.auth == "" {
		logrus.Warn("Ngrok enabled but no auth token provided (use --ngrok-auth, NGROK_AUTHTOKEN, or NGROK_AUTH_TOKEN env var)")
		return
	}

	logrus.Info("Starting ngrok tunnel...")

	var endpoint ngrokConfig.Tunnel
	if opts.domain != "" {
		endpoint = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(opts.domain))
		logrus.WithField("domain", opts.domain).Info("Using custom ngrok domain")
	} else {
		endpoint = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, endpoint, ngrok.WithAuthtoken(opts.auth))
	if err != nil {
		logrus.WithError(err).Error("Failed to start ngrok tunnel")
		return
	}

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close ngrok tunnel")
		}
	}()

	publicURL := tun.URL()
	logrus.WithField("url", publicURL).Info("Ngrok tunnel established")
	logrus.Infof("  WebSocket (ngrok): wss%s/ws", strings.TrimPrefix(publicURL, "https"))
	logrus.Infof("  REST API (ngrok): %s/api", publicURL)

	if err := http.Serve(tun, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		logrus.WithError(err).Warn("Ngrok server error")
	}
	logrus.Info("Ngrok tunnel closed")
}

func mcpAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return err
	}
	// stdout carries the MCP protocol.
	logrus.SetOutput(os.Stderr)

	return runStdioMCP(ctx, cfg, cmd.String("api-url"))
}

// runStdioMCP runs an MCP stdio server. It reuses the relay API at apiURL if
// it answers; otherwise it starts an internal relay on a random loopback port
// and targets that.
func runStdioMCP(ctx context.Context, cfg *config.Config, apiURL string) error {
	baseURL := strings.TrimSuffix(apiURL, "/")
	log := logrus.WithField("api", baseURL)

	if apiAvailable(ctx, baseURL) {
		log.Info("External relay API found, using it for MCP")
	} else {
		log.Info("No external relay API found, starting internal relay")

		stack, err := newRelayStack(cfg)
		if err != nil {
			return err
		}
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to create listener: %w", err)
		}
		baseURL = "http://" + listener.Addr().String()

		relayCtx, stopRelay := context.WithCancel(context.Background())
		relayDone := stack.start(relayCtx)
		httpServer := &http.Server{Handler: stack.handler(baseURL)}

		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithError(err).Error("Internal HTTP server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
			stopRelay()
			<-relayDone
		}()

		logrus.WithField("api", baseURL).Info("Internal relay started")
	}

	mcpClient := mcp.NewClient(baseURL, Version)
	if err := server.ServeStdio(mcpClient.GetMCPServer()); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

func apiAvailable(ctx context.Context, baseURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
