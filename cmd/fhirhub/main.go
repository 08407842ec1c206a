// Command fhirhub serves the package catalog, the terminology registry
// resolver, and the SHL manifest service from one process.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crgimenes/goconfig"
	"github.com/quay/zlog"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fhir-infra/fhirhub/httpapi"
	"github.com/fhir-infra/fhirhub/internal/cron"
	"github.com/fhir-infra/fhirhub/packages/crawler"
	pkgsqlite "github.com/fhir-infra/fhirhub/packages/sqlite"
	"github.com/fhir-infra/fhirhub/registry"
	"github.com/fhir-infra/fhirhub/shl"
	shlsqlite "github.com/fhir-infra/fhirhub/shl/sqlite"
	"github.com/fhir-infra/fhirhub/shl/vhl"
)

// Config is the environment configuration. Module settings live in the
// JSON file named by CONFIG.
type Config struct {
	Port     string `cfgDefault:"3000" cfg:"PORT"`
	Config   string `cfgDefault:"config.json" cfg:"CONFIG" cfgHelper:"Path to the module configuration file"`
	LogLevel string `cfgDefault:"info" cfg:"LOG_LEVEL" cfgHelper:"Log levels: debug, info, warn, error"`
}

func main() {
	conf := Config{}
	if err := goconfig.Parse(&conf); err != nil {
		os.Stderr.WriteString("failed to parse environment: " + err.Error() + "\n")
		os.Exit(1)
	}

	zerolog.SetGlobalLevel(logLevel(conf))
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()
	zlog.Set(&logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, conf); err != nil {
		zlog.Error(ctx).Err(err).Msg("startup failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, conf Config) error {
	cfg, err := loadConfig(conf.Config)
	if err != nil {
		return err
	}

	opts := httpapi.Options{}
	var schedules []*cron.Schedule
	var sweeps []*cron.Schedule

	if c := cfg.Packages; c.Enabled {
		store, err := pkgsqlite.Open(ctx, c.DB)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := os.MkdirAll(c.Mirror, 0755); err != nil {
			return err
		}
		cr := crawler.New(store, c.Master, c.Mirror)
		sched, err := cron.New("packages", c.Schedule, cr.Run)
		if err != nil {
			return err
		}
		opts.PackageStore = store
		opts.Crawler = cr
		opts.CrawlSchedule = sched
		schedules = append(schedules, sched)
	}

	if c := cfg.Registry; c.Enabled {
		var ro []registry.Option
		if c.Snapshot != "" {
			ro = append(ro, registry.WithSnapshotFile(c.Snapshot))
		}
		reg := registry.New(c.Master, ro...)
		if err := reg.Restore(ctx); err != nil {
			// A bad snapshot file only costs the warm start.
			zlog.Warn(ctx).Err(err).Msg("snapshot restore failed, starting cold")
		}
		sched, err := cron.New("registry", c.Schedule, reg.Run)
		if err != nil {
			return err
		}
		opts.Registry = reg
		schedules = append(schedules, sched)
	}

	if c := cfg.SHL; c.Enabled {
		store, err := shlsqlite.Open(ctx, c.DB)
		if err != nil {
			return err
		}
		defer store.Close()
		var signer *vhl.Signer
		if c.KeyFile != "" {
			pem, err := os.ReadFile(c.KeyFile)
			if err != nil {
				return err
			}
			if signer, err = vhl.NewSigner(c.Issuer, c.Kid, pem); err != nil {
				return err
			}
		}
		svc := shl.NewService(store, signer, c.AdminPassword, c.BaseURL)
		opts.SHL = svc
		sweep, err := cron.New("shl-sweep", "0 * * * *", svc.Sweep)
		if err != nil {
			return err
		}
		sweeps = append(sweeps, sweep)
	}

	srv := &http.Server{
		Addr:        ":" + conf.Port,
		Handler:     httpapi.New(&opts),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	eg, ectx := errgroup.WithContext(ctx)
	for _, s := range append(schedules, sweeps...) {
		eg.Go(func() error {
			// Schedules run until shutdown; cancellation is the clean exit.
			if err := s.Start(ectx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	eg.Go(func() error {
		zlog.Info(ectx).Str("addr", srv.Addr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ectx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := eg.Wait(); err != nil {
		return err
	}
	zlog.Info(ctx).Msg("shutdown complete")
	return nil
}

func logLevel(conf Config) zerolog.Level {
	switch strings.ToLower(conf.LogLevel) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
