package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cim-project/cim/pkg/featureflags"
	"github.com/cim-project/cim/server"
)

type serveOptions struct {
	config string
	addr   string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch cim-server",
		Example: "cim-server serve config.toml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			options.config = args[0]
			return runServe(options)
		},
	}

	cmd.Flags().StringVar(&options.addr, "addr", "", "override the configured listen address (host:port)")
	return cmd
}

func runServe(options serveOptions) error {
	raw, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %v", options.config, err)
	}
	if featureflags.ExpandEnv.Enabled() {
		// Caution: this expands $VAR references in the raw TOML source,
		// including inside string values like LDAP bind passwords.
		raw = []byte(os.ExpandEnv(string(raw)))
	}

	var c Config
	meta, err := toml.Decode(string(raw), &c)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %v", options.config, err)
	}
	if featureflags.ConfigDisallowUnknownFields.Enabled() {
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown config keys: %v", undecoded)
		}
	}
	if options.addr != "" {
		host, port, err := net.SplitHostPort(options.addr)
		if err != nil {
			return fmt.Errorf("invalid --addr %q: %v", options.addr, err)
		}
		c.Endpoint = host
		fmt.Sscanf(port, "%d", &c.Port)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	logger, err := newLogrusLogger(c.RustLog)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	logger.Infof("config issuer: %s", c.Issuer)

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("failed to register Go runtime metrics: %v", err)
	}
	if err := prometheusRegistry.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("failed to register process metrics: %v", err)
	}

	st, err := c.openStorage(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %v", err)
	}
	defer st.Close()
	logger.Infof("config database: %s", c.DatabaseURL)

	connectors, err := c.openConnectors()
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}
	for _, conn := range connectors {
		if err := st.CreateConnector(conn); err != nil {
			if featureflags.ContinueOnConnectorFailure.Enabled() {
				logger.Errorf("failed to provision connector %q, continuing: %v", conn.ID, err)
				continue
			}
			return fmt.Errorf("failed to provision connector %q: %v", conn.ID, err)
		}
		logger.Infof("config connector: %s", conn.ID)
	}

	refreshPolicy, err := server.NewRefreshTokenPolicy(logger,
		c.RotateRefreshTokens == nil || *c.RotateRefreshTokens,
		c.ValidIfNotUsedFor, c.AbsoluteLifetime, c.ReuseInterval)
	if err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}

	idTokensValidFor, err := c.expirationOrDefault()
	if err != nil {
		return fmt.Errorf("invalid config value %q for expiration: %v", c.Expiration, err)
	}

	now := func() time.Time { return time.Now().UTC() }

	serverConfig := server.Config{
		Issuer:                 c.Issuer,
		Storage:                st,
		AllowedOrigins:         c.CORSOrigin,
		PasswordConnector:      c.PasswordConnector,
		IDTokensValidFor:       idTokensValidFor,
		RefreshTokenPolicy:     refreshPolicy,
		Now:                    now,
		Logger:                 logger,
		PrometheusRegistry:     prometheusRegistry,
		PolicyPatternCacheSize: c.CacheSize,
	}

	srv, err := server.NewServer(context.Background(), serverConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/", srv)

	addr := net.JoinHostPort(c.endpointOrDefault(), fmt.Sprintf("%d", c.Port))
	httpSrv := &http.Server{Addr: addr, Handler: mux}
	defer httpSrv.Close()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %v", addr, err)
	}

	var gr run.Group
	gr.Add(func() error {
		logger.Infof("listening on %s", addr)
		return httpSrv.Serve(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		logger.Debugf("starting graceful shutdown")
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Errorf("graceful shutdown: %v", err)
		}
	})

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Infof("%v, shutdown now", err)
	}
	return nil
}
