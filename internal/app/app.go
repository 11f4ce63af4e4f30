package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"aptos-sentinel/internal/ai"
	"aptos-sentinel/internal/alerting"
	"aptos-sentinel/internal/api"
	"aptos-sentinel/internal/archive"
	"aptos-sentinel/internal/broadcast"
	"aptos-sentinel/internal/config"
	"aptos-sentinel/internal/detector"
	"aptos-sentinel/internal/monitor"
	"aptos-sentinel/internal/predict"
	"aptos-sentinel/internal/rules"
	"aptos-sentinel/internal/store"
	"aptos-sentinel/internal/telemetry"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newTelemetrySource() telemetry.Source {
	if a.Config.Telemetry.Source == "chain" {
		return telemetry.NewChain(telemetry.ChainOptions{
			RPCURL:            a.Config.Telemetry.RPCURL,
			Timeout:           a.Config.Telemetry.RequestTimeout,
			ContractsBaseline: a.Config.Telemetry.ContractsBaseline,
		}, a.Logger)
	}
	return telemetry.NewSimulated(a.Config.Telemetry.Seed, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase,
			store.Severity(a.Config.Alerting.MinSeverity), 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newPredictor() predict.Source {
	if a.Config.Predictive.BaseURL == "" {
		return nil
	}
	return predict.NewClient(predict.Options{
		BaseURL: a.Config.Predictive.BaseURL,
		APIKey:  a.Config.Predictive.APIKey,
		Timeout: a.Config.Predictive.RequestTimeout,
	}, a.Logger)
}

func (a *App) newGenerator() api.Generator {
	if a.Config.AI.APIKey == "" {
		return nil
	}
	return ai.NewClient(ai.Options{
		APIKey:  a.Config.AI.APIKey,
		BaseURL: a.Config.AI.BaseURL,
		Model:   a.Config.AI.Model,
		Timeout: a.Config.AI.RequestTimeout,
	}, a.Logger)
}

func (a *App) openArchive(ctx context.Context) (*archive.Archive, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := archive.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	arch := archive.New(pool)
	closer := func() {
		arch.Close()
	}
	return arch, closer, nil
}

// Serve runs the monitoring backend until a termination signal arrives.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	arch, closeArchive, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	if arch == nil {
		a.Logger.Warn().Msg("database.dsn not configured; archive disabled")
	}
	if closeArchive != nil {
		defer closeArchive()
	}

	if arch != nil && a.Config.Database.AdvisoryLockKey != 0 {
		unlock, acquired, err := arch.TryAdvisoryLock(ctx, a.Config.Database.AdvisoryLockKey)
		if err != nil {
			return err
		}
		if !acquired {
			return errors.New("archive advisory lock held by another instance")
		}
		defer unlock()
	}

	st := store.NewMemStore()
	hub := broadcast.NewHub(a.Logger)
	defer hub.Close()

	det := detector.New(a.Config.Thresholds, a.Logger)
	engine := rules.NewEngine(st, hub, a.Logger)

	var archiver monitor.Archiver
	if arch != nil {
		archiver = arch
	}

	mon := monitor.New(monitor.Options{
		Interval:         a.Config.Monitor.Interval,
		AnalysisEvery:    a.Config.Monitor.AnalysisEvery,
		AnalysisWindow:   a.Config.Monitor.AnalysisWindow,
		StressThreshold:  a.Config.Monitor.StressThreshold,
		RecalibrateEvery: a.Config.Monitor.RecalibrateEvery,
		HistoryWindow:    a.Config.Monitor.HistoryWindow,
	}, a.newTelemetrySource(), a.newPredictor(), st, det, engine, hub, a.newNotifier(), archiver, a.Logger)

	hub.SetStatusFunc(func() any {
		return map[string]any{"monitoring": mon.Active()}
	})

	server := api.NewServer(st, mon, hub, a.newGenerator(), a.Logger)
	httpServer := &http.Server{
		Addr:         a.Config.Server.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}

	if a.Config.Monitor.Autostart {
		mon.Start(ctx)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	a.Logger.Info().
		Str("addr", a.Config.Server.Addr).
		Str("source", a.Config.Telemetry.Source).
		Msg("server listening")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	mon.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("http shutdown failed")
		return err
	}

	a.Logger.Info().Msg("server stopped")
	return nil
}

// ExportOptions hold parameters for exporting archived history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SeedOptions configure the seed command.
type SeedOptions struct {
	Count    int
	Interval time.Duration
}

// SimulateOptions describe the crafted snapshot fed through the
// detection pipeline.
type SimulateOptions struct {
	TPS                 int
	AvgGasPrice         int
	PendingTransactions int
	ActiveContracts     int
}
