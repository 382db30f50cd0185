// Command bot runs the day-trading engine: scanner intake over the
// broker websocket, the buy pipeline, the exit manager, the account
// reconciler, scheduled maintenance, and the dashboard API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hyeonwoo-kim/yeouido_scalper/internal/backtest"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/broker"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/config"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/dashboard"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/logging"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/market"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/models"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/notify"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/pipeline"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/positions"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/scheduler"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/storage"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/stream"
	"github.com/hyeonwoo-kim/yeouido_scalper/internal/vision"
)

const crashBackoff = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	loc := cfg.Location()

	fileWriter, err := logging.NewFileWriter(filepath.Join(cfg.Storage.DataDir, "logs"), loc)
	if err != nil {
		return err
	}
	defer fileWriter.Close()

	store, err := storage.NewStorage(filepath.Join(cfg.Storage.DataDir, "trading.db"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	logger := logging.New(fileWriter, store)

	seed, err := loadOrSeedSettings(store, cfg)
	if err != nil {
		return err
	}
	// The store's settings record owns the trading mode; the config file
	// only seeds the first run.
	cfg.Environment.MockTrade = seed.MockTrade
	endpoints := cfg.ActiveEndpoints()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tg := notify.NewNotifier("", cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
	go tg.Run(ctx)

	tokenKey := "token_real"
	if seed.MockTrade {
		tokenKey = "token_mock"
	}
	tokens := broker.NewTokenService(endpoints.RESTURL, endpoints.AppKey, endpoints.SecretKey, tokenKey, store, logger)
	client := broker.NewClient(endpoints.RESTURL, endpoints.AccountNo, cfg.Broker.ChartMaxPages, tokens, broker.NewAdaptiveLimiter(), logger)
	masterBook := broker.NewMasterBook(client, store, logger)
	regime := market.NewRegimeTracker(client, logger)
	simulator := backtest.NewSimulator(client, logger)

	var analyzer vision.Analyzer
	if keys := cfg.VisionKeys(); len(keys) > 0 {
		analyzer = vision.NewGeminiClient(cfg.Vision.BaseURL, cfg.Vision.Model, keys, logger)
	} else {
		logger.Printf("vision keys not configured, chart verdict gate disabled")
	}

	book := positions.NewBook(store, logger)

	go func() {
		if err := masterBook.Refresh(ctx); err != nil {
			logger.Printf("master listing refresh failed: %v", err)
		}
	}()
	retention := &scheduler.RetentionJob{Store: store, Days: cfg.Storage.RetentionDays, Logger: logger}
	if err := retention.Run(ctx); err != nil {
		logger.Printf("startup retention pass failed: %v", err)
	}

	sched := scheduler.New(ctx, loc, logger)
	if err := registerJobs(sched, store, client, masterBook, tg, cfg.Storage.RetentionDays, loc); err != nil {
		return fmt.Errorf("failed to register scheduler jobs: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Dashboard.Port > 0 {
		dash := dashboard.NewServer(dashboard.Config{Port: cfg.Dashboard.Port, AuthToken: cfg.Dashboard.AuthToken}, store, logrus.StandardLogger())
		go func() {
			if err := dash.Start(); err != nil {
				logger.Printf("dashboard server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = dash.Shutdown(shutdownCtx)
		}()
	}

	deps := sessionDeps{
		cfg:        cfg,
		store:      store,
		tokens:     tokens,
		client:     client,
		masterBook: masterBook,
		regime:     regime,
		simulator:  simulator,
		analyzer:   analyzer,
		notifier:   tg,
		book:       book,
		loc:        loc,
		logger:     logger,
	}

	for {
		err := runSession(ctx, deps)
		switch {
		case ctx.Err() != nil:
			logger.Printf("shutting down")
			return nil
		case errors.Is(err, errRestart):
			logger.Printf("restarting engine session")
			continue
		case errors.Is(err, errModeFlip):
			tg.Send("⚠️ 거래 모드가 변경되어 프로세스를 재시작합니다")
			logger.Printf("trading mode changed, exiting for supervisor restart")
			return nil
		case err != nil:
			logger.Printf("engine session failed: %v", err)
			tg.Sendf("🚨 엔진 오류로 재시작: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(crashBackoff):
			}
		default:
			return nil
		}
	}
}

type sessionDeps struct {
	cfg        *config.Config
	store      storage.Interface
	tokens     *broker.TokenService
	client     *broker.Client
	masterBook *broker.MasterBook
	regime     *market.RegimeTracker
	simulator  *backtest.Simulator
	analyzer   vision.Analyzer
	notifier   *notify.Notifier
	book       *positions.Book
	loc        *time.Location
	logger     *log.Logger
}

// runSession builds the per-session components (the websocket gateway
// re-registers the active scanner at login) and runs them until the
// context ends or the engine requests a restart.
func runSession(ctx context.Context, d sessionDeps) error {
	var cfgSeed models.Settings
	if found, err := d.store.GetKV(storage.SettingsKey, &cfgSeed); err != nil || !found {
		cfgSeed = models.DefaultSettings()
	}

	endpoints := d.cfg.ActiveEndpoints()
	gateway := stream.NewGateway(endpoints.SocketURL, d.tokens, d.masterBook, d.store, []string{"00", "04"}, d.logger)

	var eng *engine
	settingsFn := func() models.Settings { return eng.Settings() }

	rec := newReconciler(d.book, d.client, gateway, d.masterBook, settingsFn, d.logger)
	manager := positions.NewManager(d.book, d.client, gateway, d.analyzer, d.notifier, d.store, settingsFn, d.logger)
	pipe := pipeline.New(d.book, d.client, gateway, d.regime, d.masterBook, d.analyzer, d.notifier, d.store, settingsFn, d.logger)
	eng = newEngine(d.store, d.book, gateway, pipe, manager, rec, d.simulator, d.notifier, d.loc, endpoints.AccountNo, cfgSeed, d.logger)
	eng.regime = d.regime

	// Resubscribe held positions and register the active scanner; the
	// gateway replays both on every reconnect.
	for _, p := range d.book.List() {
		gateway.AddSubscription(p.Symbol, stream.DefaultTickType)
	}
	gateway.RequestSnapshot(cfgSeed.ConditionID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gateway.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loadOrSeedSettings(store storage.Interface, cfg *config.Config) (models.Settings, error) {
	var s models.Settings
	found, err := store.GetKV(storage.SettingsKey, &s)
	if err != nil {
		return s, fmt.Errorf("failed to load settings: %w", err)
	}
	if found {
		return s, nil
	}
	s = models.DefaultSettings()
	s.MockTrade = cfg.Environment.MockTrade
	s.DebugMode = cfg.Environment.DebugMode
	if err := store.SetKV(storage.SettingsKey, s); err != nil {
		return s, fmt.Errorf("failed to seed settings: %w", err)
	}
	return s, nil
}

func registerJobs(sched *scheduler.Scheduler, store storage.Interface, brk broker.Broker, masterBook *broker.MasterBook, tg *notify.Notifier, retentionDays int, loc *time.Location) error {
	jobs := []struct {
		spec string
		job  scheduler.Job
	}{
		// Rotation checks every minute so a window start is never missed
		// by more than 60s.
		{"0 * * * * *", &scheduler.RotationJob{Store: store, Notifier: tg, Loc: loc}},
		{"30 * * * * *", &scheduler.ReportJob{Store: store, Broker: brk, Notifier: tg, Loc: loc}},
		{"0 30 16 * * *", &scheduler.RetentionJob{Store: store, Days: retentionDays}},
		{"0 20 8 * * 1-5", &scheduler.MasterRefreshJob{Book: masterBook}},
	}
	for _, j := range jobs {
		if err := sched.Add(j.spec, j.job); err != nil {
			return err
		}
	}
	return nil
}
