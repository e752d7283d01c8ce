package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	syncd "github.com/AmbitiousRealism2025/syncd"
	"github.com/AmbitiousRealism2025/syncd/internal/ratelimit"
	"github.com/AmbitiousRealism2025/syncd/internal/svcfields"
)

// DefaultConfigFileName is the YAML config looked up under $HOME/.syncd/.
const DefaultConfigFileName = "syncd.yaml"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("SYNCD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "syncd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "syncd",
		Short:         "syncd is an offline-first sync and realtime session server with idempotent mutations, websocket fan-out, and per-class rate limits",
		SilenceErrors: true,
		Example: `
  # Serve on the default port with a static token table
  SYNCD_TOKEN="secret=user-1" syncd

  # Custom listener with a Prometheus scrape endpoint
  syncd --listen :9380 --metrics-listen :9390 --token secret=user-1

  # Tighten the general rate limit
  syncd --token secret=user-1 --general-max-requests 100 --general-window 1m
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			cfg, err := bindConfig()
			if err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to syncd",
				"pid", os.Getpid(),
				"listen", cfg.Listen,
			)

			server, err := syncd.NewServer(cfg, syncd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.syncd/"+DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", syncd.DefaultListen, "listen address")
	flags.String("listen-proto", syncd.DefaultListenProto, "listen network (tcp, unix)")
	flags.String("metrics-listen", syncd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.StringSlice("token", nil, "bearer token mapping as token=userid (repeatable)")
	flags.String("max-body", "", "maximum mutation payload size (e.g. 4MiB)")
	flags.Int("send-queue-size", syncd.DefaultSendQueueSize, "per-session realtime send queue size")
	flags.Duration("heartbeat-interval", syncd.DefaultHeartbeatInterval, "realtime channel ping cadence")
	flags.Duration("write-timeout", syncd.DefaultWriteTimeout, "outbound websocket write timeout")
	flags.Int("applied-retention", syncd.DefaultAppliedRetention, "remembered mutation ids for replay detection")
	flags.Int("general-max-requests", 0, "override the general class request budget (0 keeps the default)")
	flags.Duration("general-window", 0, "override the general class window (0 keeps the default)")
	flags.Int("deny-threshold", syncd.DefaultDenyThreshold, "violations during a block before deny-listing")
	flags.Duration("deny-duration", syncd.DefaultDenyDuration, "deny-list duration")
	flags.Duration("limiter-sweep-interval", syncd.DefaultLimiterSweepInterval, "stale rate-limit window prune cadence")
	flags.Duration("shutdown-timeout", syncd.DefaultShutdownTimeout, "graceful shutdown budget")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("SYNCD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"listen", "listen-proto", "metrics-listen", "token", "max-body",
		"send-queue-size", "heartbeat-interval", "write-timeout", "applied-retention",
		"general-max-requests", "general-window",
		"deny-threshold", "deny-duration", "limiter-sweep-interval", "shutdown-timeout",
		"log-level",
	} {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig() (syncd.Config, error) {
	var cfg syncd.Config
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.SendQueueSize = viper.GetInt("send-queue-size")
	cfg.HeartbeatInterval = viper.GetDuration("heartbeat-interval")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.AppliedRetention = viper.GetInt("applied-retention")
	cfg.DenyThreshold = viper.GetInt("deny-threshold")
	cfg.DenyDuration = viper.GetDuration("deny-duration")
	cfg.LimiterSweepInterval = viper.GetDuration("limiter-sweep-interval")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")

	if maxBody := viper.GetString("max-body"); maxBody != "" {
		size, err := humanize.ParseBytes(maxBody)
		if err != nil {
			return cfg, fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}

	tokens, err := parseTokens(viper.GetStringSlice("token"))
	if err != nil {
		return cfg, err
	}
	// The config file may also carry a tokens: map.
	for token, user := range viper.GetStringMapString("tokens") {
		if tokens == nil {
			tokens = make(map[string]string)
		}
		tokens[token] = user
	}
	cfg.Tokens = tokens

	if maxReq := viper.GetInt("general-max-requests"); maxReq > 0 {
		rules := ratelimit.DefaultRules()
		rule := rules[ratelimit.ClassGeneral]
		rule.MaxRequests = maxReq
		if window := viper.GetDuration("general-window"); window > 0 {
			rule.Window = window
		}
		rules[ratelimit.ClassGeneral] = rule
		cfg.RateRules = rules
	}
	return cfg, nil
}

// parseTokens turns repeatable token=userid flags into the token table.
func parseTokens(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	tokens := make(map[string]string, len(entries))
	for _, entry := range entries {
		token, user, ok := strings.Cut(entry, "=")
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid --token entry %q (want token=userid)", entry)
		}
		tokens[token] = user
	}
	return tokens, nil
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".syncd", DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}
