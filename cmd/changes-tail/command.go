package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	changes "github.com/helun/Ektorp-sub001"
	"github.com/helun/Ektorp-sub001/internal/archive"
	"github.com/helun/Ektorp-sub001/internal/logging"
)

const (
	urlFlag              = "url"
	dbFlag               = "db"
	sinceFlag            = "since"
	filterFlag           = "filter"
	includeDocsFlag      = "include-docs"
	heartbeatFlag        = "heartbeat"
	limitFlag            = "limit"
	queueFlag            = "queue"
	consumersFlag        = "consumers"
	reconnectFlag        = "reconnect"
	reconnectTimeoutFlag = "reconnect-timeout"
	archiveFlag          = "archive"
	pruneDeletedFlag     = "prune-deleted"
	metricsAddrFlag      = "metrics-addr"
	logLevelFlag         = "log-level"
	logFormatFlag        = "log-format"
)

type config struct {
	URL              string
	DB               string
	Since            string
	Filter           string
	IncludeDocs      bool
	Heartbeat        time.Duration
	Limit            int
	Queue            int
	Consumers        int
	Reconnect        bool
	ReconnectTimeout time.Duration
	Archive          string
	PruneDeleted     bool
	MetricsAddr      string
	LogLevel         string
	LogFormat        string
}

// newRootCommand reads flags from the command line or from environment
// variables prefixed with CHANGES, in that order.
func newRootCommand() *cobra.Command {
	return newCommand(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("CHANGES")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func newCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes-tail",
		Short: "Follow the changes feed of a database",
		Long: `changes-tail opens the _changes feed of a database and writes every change
to stdout as one JSON object per line.

With --heartbeat the feed is continuous and runs until interrupted; with
--reconnect a failed feed is reopened from the last received sequence.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.String(urlFlag, "http://localhost:5984", "server base URL")
	flags.String(dbFlag, "", "(required) database name")
	flags.String(sinceFlag, "", "start after this sequence ('now' for new changes only)")
	flags.String(filterFlag, "", "filter function, for example 'app/important'")
	flags.Bool(includeDocsFlag, false, "include each changed document")
	flags.Duration(heartbeatFlag, 0, "follow the feed continuously, with server heartbeats at this interval (0 reads once and exits)")
	flags.Int(limitFlag, 0, "stop after this many changes (0 is unbounded)")
	flags.Int(queueFlag, changes.DefaultQueueCapacity, "number of changes buffered before reading pauses")
	flags.Int(consumersFlag, 1, "number of concurrent consumers; more than one does not preserve output order")
	flags.Bool(reconnectFlag, false, "reopen the feed after a failure, resuming from the last sequence")
	flags.Duration(reconnectTimeoutFlag, 0, "give up reconnecting after this long without progress (0 never gives up)")
	flags.String(archiveFlag, "", "keep the latest change of every document in this bbolt file")
	flags.Bool(pruneDeletedFlag, false, "remove deleted documents from the archive")
	flags.String(metricsAddrFlag, "", "serve Prometheus metrics on this address, for example ':9090'")
	flags.String(logLevelFlag, "info", "log level: none, debug, info, warn, error")
	flags.String(logFormatFlag, "json", "log format: json or text")

	cmd.PreRunE = bindFlagsFunc(v, flags)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(v)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg, cmd.OutOrStdout())
	}

	return cmd
}

// bindFlagsFunc binds every flag to v so that environment variables fill in
// flags not given on the command line.
func bindFlagsFunc(v *viper.Viper, flags *pflag.FlagSet) func(*cobra.Command, []string) error {
	return func(*cobra.Command, []string) error {
		var err error
		flags.VisitAll(func(f *pflag.Flag) {
			if bindErr := v.BindPFlag(f.Name, f); bindErr != nil && err == nil {
				err = fmt.Errorf("failed to bind flag %s: %w", f.Name, bindErr)
			}
		})
		return err
	}
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		URL:              v.GetString(urlFlag),
		DB:               v.GetString(dbFlag),
		Since:            v.GetString(sinceFlag),
		Filter:           v.GetString(filterFlag),
		IncludeDocs:      v.GetBool(includeDocsFlag),
		Heartbeat:        v.GetDuration(heartbeatFlag),
		Limit:            v.GetInt(limitFlag),
		Queue:            v.GetInt(queueFlag),
		Consumers:        v.GetInt(consumersFlag),
		Reconnect:        v.GetBool(reconnectFlag),
		ReconnectTimeout: v.GetDuration(reconnectTimeoutFlag),
		Archive:          v.GetString(archiveFlag),
		PruneDeleted:     v.GetBool(pruneDeletedFlag),
		MetricsAddr:      v.GetString(metricsAddrFlag),
		LogLevel:         v.GetString(logLevelFlag),
		LogFormat:        v.GetString(logFormatFlag),
	}

	if cfg.DB == "" {
		return cfg, fmt.Errorf("--%s is required", dbFlag)
	}
	if cfg.Consumers < 1 {
		return cfg, fmt.Errorf("--%s must be at least 1", consumersFlag)
	}
	return cfg, nil
}

// request builds the changes request described by cfg.
func (cfg config) request() changes.Request {
	opts := []changes.RequestOption{
		changes.WithSince(changes.Sequence(cfg.Since)),
		changes.WithFilter(cfg.Filter),
		changes.WithLimit(cfg.Limit),
	}
	if cfg.Heartbeat > 0 {
		opts = append(opts, changes.Continuous(), changes.WithHeartbeat(cfg.Heartbeat))
	}
	if cfg.IncludeDocs {
		opts = append(opts, changes.IncludeDocs())
	}
	return changes.NewRequest(opts...)
}

func run(ctx context.Context, cfg config, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	t := newTailer(cfg, out, logger)

	if cfg.Archive != "" {
		store, err := archive.Open(cfg.Archive, archive.Options{PruneDeleted: cfg.PruneDeleted})
		if err != nil {
			return err
		}
		defer store.Close()
		t.archive = store
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if t.metrics, err = changes.NewMetrics(reg); err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	return t.run(ctx)
}
