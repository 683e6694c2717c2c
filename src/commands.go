package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"personal/discord_gateway/src/client"
	"personal/discord_gateway/src/config"
	"personal/discord_gateway/src/logs"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func runCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and log events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewLoader(opts.configPath)
			if err != nil {
				return err
			}
			for key, name := range map[string]string{
				"metrics_addr": "metrics-addr",
				"compress":     "compress",
				"shard_id":     "shard-id",
				"shard_count":  "shard-count",
			} {
				if err := loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
					return err
				}
			}

			cfg, err := loader.Config()
			if err != nil {
				return err
			}

			log, level := logs.New(appName, cfg.Log)
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, loader, log, level)
		},
	}

	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().Bool("compress", true, "request zlib-stream transport compression")
	cmd.Flags().Int("shard-id", 0, "shard id")
	cmd.Flags().Int("shard-count", 1, "total number of shards")

	return cmd
}

func run(ctx context.Context, cfg config.Config, loader *config.Loader, log *zap.Logger, level zap.AtomicLevel) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := client.NewMetrics(reg, "discord")

	gatewayURL := cfg.GatewayURL
	if gatewayURL == "" {
		info, err := client.NewREST(cfg.Token, cfg.APIBaseURL).GatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("could not discover gateway: %w", err)
		}
		log.Info("discovered gateway",
			zap.String("url", info.Url),
			zap.Int("recommended_shards", info.Shards),
			zap.Int("remaining_sessions", info.SessionStartLimit.Remaining))
		gatewayURL = info.Url
	}

	bot, err := client.New(clientConfig(cfg, gatewayURL),
		newEventLogger(log), client.WithLogger(log), client.WithMetrics(metrics))
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, newStatusRouter(reg, bot), log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	loader.Watch(func(next config.Config) {
		level.SetLevel(logs.ParseLevel(next.Log.Level))
		if next.Presence != cfg.Presence {
			if err := bot.UpdatePresence(ctx, *presence(next.Presence)); err != nil {
				log.Warn("could not update presence", zap.Error(err))
				return
			}
			cfg.Presence = next.Presence
		}
		log.Info("config reloaded", zap.String("log_level", next.Log.Level))
	}, func(err error) {
		log.Warn("ignoring config change", zap.Error(err))
	})

	err = bot.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.Info("shutting down")
		return nil
	}
	return err
}

func clientConfig(cfg config.Config, gatewayURL string) client.Config {
	return client.Config{
		Token:                        cfg.Token,
		Intents:                      intentsOrDefault(cfg.Intents),
		ShardID:                      cfg.ShardID,
		ShardCount:                   cfg.ShardCount,
		GatewayURL:                   gatewayURL,
		Compress:                     cfg.Compress,
		LargeThreshold:               cfg.LargeThreshold,
		Presence:                     presence(cfg.Presence),
		HeartbeatCheckInterval:       cfg.HeartbeatCheckInterval,
		HeartbeatTimeout:             cfg.HeartbeatTimeout,
		ReconnectDelay:               cfg.ReconnectDelay,
		MaxReconnectDelay:            cfg.MaxReconnectDelay,
		HonorResumableInvalidSession: cfg.HonorResumableInvalidSession,
	}
}

func intentsOrDefault(intents int) int {
	if intents == 0 {
		return client.Intents
	}
	return intents
}

func presence(p config.PresenceConfig) *client.PresenceUpdate {
	if p.Status == "" && p.Activity == "" {
		return nil
	}
	update := &client.PresenceUpdate{Status: p.Status, Activities: []client.Activity{}}
	if update.Status == "" {
		update.Status = client.StatusOnline
	}
	if p.Activity != "" {
		update.Activities = append(update.Activities, client.Activity{Name: p.Activity, Type: client.ActivityPlaying})
	}
	return update
}

// statusSource is the part of *client.Client the status endpoints read.
type statusSource interface {
	State() client.State
	Session() client.SessionState
}

type healthResponse struct {
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	SessionID string `json:"session_id,omitempty"`
	Sequence  *int64 `json:"seq,omitempty"`
	LastAck   string `json:"last_heartbeat_ack,omitempty"`
}

func newStatusRouter(reg *prometheus.Registry, bot statusSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		st := bot.Session()
		resp := healthResponse{
			State:     bot.State().String(),
			Connected: st.Connected,
			SessionID: st.SessionID,
			Sequence:  st.Sequence,
		}
		if !st.LastHeartbeatAck.IsZero() {
			resp.LastAck = st.LastHeartbeatAck.UTC().Format(time.RFC3339)
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.Connected {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	return r
}

func serveMetrics(addr string, handler http.Handler, log *zap.Logger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

func gatewayCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Print the gateway URL and session start limits for the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			info, err := client.NewREST(cfg.Token, cfg.APIBaseURL).GatewayBot(cmd.Context())
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), output, info)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")

	return cmd
}

func channelCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "channel <id>",
		Short: "Fetch a channel by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			channel, err := client.NewREST(cfg.Token, cfg.APIBaseURL).Channel(cmd.Context(), client.Snowflake(args[0]))
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), output, channel)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "json", "output format: json or yaml")

	return cmd
}

// printValue writes v as indented JSON or as YAML. YAML goes through JSON
// first so both formats use the API field names.
func printValue(w io.Writer, format string, v any) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)

	case "yaml":
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	}
	return fmt.Errorf("unknown output format %q", format)
}
