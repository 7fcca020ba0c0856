package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ooda-engine/internal/alerting"
	"ooda-engine/internal/backend"
	"ooda-engine/internal/config"
	"ooda-engine/internal/inputs"
	"ooda-engine/internal/scheduler"
	"ooda-engine/internal/service"
	"ooda-engine/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newSource() (*inputs.FileSource, inputs.Source) {
	files := inputs.NewFileSource(a.Config.Inputs.Dir, a.Logger)
	api := a.Config.Inputs.ForecastAPI
	if api.BaseURL == "" {
		return files, files
	}
	userAgent := api.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	fetcher := inputs.NewForecastAPI(inputs.ForecastAPIOptions{
		BaseURL:   api.BaseURL,
		Timeout:   api.RequestTimeout,
		UserAgent: userAgent,
	}, a.Logger)
	return files, inputs.WithForecastFetcher(files, fetcher)
}

func (a *App) newNotifier() alerting.Notifier {
	var fanout alerting.Fanout
	for _, ch := range a.Config.Alerting.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case "telegram":
			if cfg := a.Config.Alerting.Telegram; cfg.Enabled {
				fanout = append(fanout, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
			}
		case "log":
			fanout = append(fanout, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", ch).Msg("unknown alert channel ignored")
		}
	}
	if len(fanout) == 0 {
		return nil
	}
	return fanout
}

// openEngine resolves the configured backend over the inputs directory.
func (a *App) openEngine(ctx context.Context) (backend.Handle, *inputs.FileSource, func(), error) {
	files, source := a.newSource()
	engine, err := backend.New(ctx, a.Config, source, a.Logger)
	if err != nil {
		return nil, nil, nil, err
	}
	closer := func() {
		if err := engine.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close backend")
		}
	}
	return engine, files, closer, nil
}

func (a *App) newServiceWith(engine backend.Handle, sched *scheduler.Scheduler, notifier alerting.Notifier) *service.Service {
	return service.New(a.Config, sched, engine, engine.Source(), engine.Locker(), notifier, a.Logger)
}

// Run executes the long-running monitoring service and, when enabled,
// reloads reference inputs as they change on disk.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, files, closeEngine, err := a.openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeEngine()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	svc := a.newServiceWith(engine, sched, a.newNotifier())

	if opts.Once {
		cycle, err := svc.ProcessBucket(ctx, sched.CurrentBucket(time.Now()))
		if err != nil {
			return err
		}
		return a.writeJSON(cycle)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.Config.Inputs.Watch {
		g.Go(func() error {
			return files.Watch(gctx, nil)
		})
	}
	g.Go(func() error {
		a.Logger.Info().Str("backend", engine.Kind()).Str("inputs", files.Dir()).
			Dur("interval", sched.Interval()).Msg("starting monitoring service")
		err := svc.Run(gctx)
		cancel()
		return err
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

func (a *App) writeJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RunOptions configure the run command.
type RunOptions struct {
	Once bool
}

// ExportOptions hold parameters for exporting an asset's telemetry or a BOM.
type ExportOptions struct {
	AssetID   string
	BOMID     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Stage   string
	AssetID string
	ID      string
	Limit   int
}

// ReplayOptions configure a historical detection sweep.
type ReplayOptions struct {
	AssetID string
	From    time.Time
	To      time.Time
	Step    time.Duration
	Workers int
}
