// invite_sim прогоняет сценарии вызова между двумя сессиями INVITE,
// соединенными сетью в памяти, и выводит журнал SIP сообщений.
//
// Примеры:
//
//	invite_sim -scenario glare
//	invite_sim -config sim.yaml -realtime -metrics 127.0.0.1:9100
//	invite_sim -scenario all
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/invite_session/pkg/config"
	"github.com/arzzra/invite_session/pkg/logging"
	"github.com/arzzra/invite_session/pkg/loopback"
	"github.com/arzzra/invite_session/pkg/session"
	"github.com/arzzra/invite_session/pkg/timer"
)

// scenarioAll прогоняет все сценарии по очереди.
const scenarioAll = "all"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "invite_sim: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	config   string
	scenario string
	realtime bool
	metrics  string
	hold     bool
}

func parseFlags(args []string, out io.Writer) (*flags, error) {
	fs := flag.NewFlagSet("invite_sim", flag.ContinueOnError)
	fs.SetOutput(out)
	f := &flags{}
	fs.StringVar(&f.config, "config", "", "YAML файл настроек")
	fs.StringVar(&f.scenario, "scenario", "", fmt.Sprintf("сценарий: %v или all", loopback.Scenarios))
	fs.BoolVar(&f.realtime, "realtime", false, "таймеры на реальном времени")
	fs.StringVar(&f.metrics, "metrics", "", "адрес HTTP сервера /metrics")
	fs.BoolVar(&f.hold, "hold", false, "не завершаться после прогона, пока работает сервер метрик")
	if err := fs.Parse(args); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return f, nil
}

// loadConfig читает файл и накладывает флаги поверх него.
func loadConfig(f *flags) (*config.Config, []string, error) {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return nil, nil, errtrace.Wrap(err)
		}
	}
	if f.realtime {
		cfg.Simulation.Realtime = true
	}
	if f.metrics != "" {
		cfg.Metrics.Listen = f.metrics
	}

	scenarios := []string{cfg.Simulation.Scenario}
	switch f.scenario {
	case "":
	case scenarioAll:
		scenarios = loopback.Scenarios
	default:
		cfg.Simulation.Scenario = f.scenario
		scenarios = []string{f.scenario}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, errtrace.Wrap(err)
	}
	return cfg, scenarios, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	f, err := parseFlags(args, stderr)
	if err != nil {
		return errtrace.Wrap(err)
	}
	cfg, scenarios, err := loadConfig(f)
	if err != nil {
		return errtrace.Wrap(err)
	}

	w, closer := cfg.Log.Writer()
	defer closer.Close()
	if cfg.Log.File.Path == "" {
		w = stderr
	}
	logger := cfg.Log.NewLogger(w).WithComponent("invite_sim")

	profile, err := cfg.SessionProfile()
	if err != nil {
		return errtrace.Wrap(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := session.NewMetrics(session.MetricsConfig{
		Enabled:    true,
		Namespace:  cfg.Metrics.Namespace,
		Subsystem:  "invite_session",
		Registerer: reg,
	})

	var srv *http.Server
	if cfg.Metrics.Listen != "" {
		srv = startMetricsServer(cfg.Metrics.Listen, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	opts := loopback.Options{
		Profile: profile,
		Logger:  logger,
		Metrics: metrics,
		Seed:    cfg.Simulation.Seed,
		Horizon: cfg.Simulation.Horizon,
	}
	if cfg.Simulation.Realtime {
		timers := timer.New(ctx, nil, logger)
		defer timers.Shutdown()
		opts.Timers = timers
	}

	for _, name := range scenarios {
		res, err := loopback.RunScenario(ctx, name, opts)
		if err != nil {
			return errtrace.Wrap(fmt.Errorf("сценарий %s: %w", name, err))
		}
		report(ctx, logger, res)
	}

	if srv != nil && f.hold {
		logger.Info(ctx, "прогон завершен, сервер метрик работает до сигнала",
			logging.String("listen", cfg.Metrics.Listen))
		<-ctx.Done()
	}
	return nil
}

func report(ctx context.Context, logger logging.StructuredLogger, res *loopback.Result) {
	l := logger.WithFields(logging.String("scenario", res.Scenario))
	for _, e := range res.Trace {
		l.Info(ctx, e.String(),
			logging.String("from", e.From),
			logging.String("to", e.To),
			logging.Bool("dropped", e.Dropped),
		)
		l.Trace(ctx, "сообщение", logging.String("sip", e.Message.String()))
	}
	l.Info(ctx, "сценарий завершен",
		logging.String("caller", res.CallerReason.String()),
		logging.String("callee", res.CalleeReason.String()),
		logging.Int("messages", len(res.Trace)),
		logging.Duration("elapsed", res.Elapsed),
	)
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger logging.StructuredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Alive"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.LogError(context.Background(), err, "сервер метрик остановлен")
		}
	}()
	logger.Info(context.Background(), "сервер метрик запущен", logging.String("listen", addr))
	return srv
}
