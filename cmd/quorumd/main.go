package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/imgquorum/quorum/util/cliutil"
	"github.com/imgquorum/quorum/verdict"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "quorumd",
		Usage:   "multi-model image moderation daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"QUORUM_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string for analysis results and review items",
			Value:   "sqlite://data/quorum/quorum.db",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   40,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for result cache and quota counters; in-process memory if not set",
			EnvVars: []string{"QUORUM_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "provider-host",
			Usage:   "method, hostname, and port of OpenAI-compatible chat completions API",
			Value:   "https://api.openai.com",
			EnvVars: []string{"QUORUM_PROVIDER_HOST"},
		},
		&cli.StringFlag{
			Name:    "provider-api-key",
			Usage:   "API key for model provider",
			EnvVars: []string{"QUORUM_PROVIDER_API_KEY", "OPENAI_API_KEY"},
		},
		&cli.StringFlag{
			Name:    "provider-model",
			Usage:   "default provider model identifier, used by all adapters unless overridden",
			Value:   "gpt-4o",
			EnvVars: []string{"QUORUM_PROVIDER_MODEL"},
		},
		&cli.StringFlag{
			Name:    "vision-model",
			Usage:   "provider model identifier for the vision classifier",
			EnvVars: []string{"QUORUM_VISION_MODEL"},
		},
		&cli.StringFlag{
			Name:    "reasoning-model",
			Usage:   "provider model identifier for the reasoning classifier",
			EnvVars: []string{"QUORUM_REASONING_MODEL"},
		},
		&cli.StringFlag{
			Name:    "text-model",
			Usage:   "provider model identifier for the context reasoner",
			EnvVars: []string{"QUORUM_TEXT_MODEL"},
		},
		&cli.Float64Flag{
			Name:    "provider-rate-limit",
			Usage:   "max requests per second to model provider (0 for unlimited)",
			Value:   5,
			EnvVars: []string{"QUORUM_PROVIDER_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "max-concurrency",
			Usage:   "max concurrent model calls per image",
			Value:   2,
			EnvVars: []string{"QUORUM_MAX_CONCURRENCY"},
		},
		&cli.StringFlag{
			Name:    "policy",
			Usage:   "threshold preset: strict, standard, or lenient",
			Value:   "standard",
			EnvVars: []string{"QUORUM_POLICY"},
		},
		&cli.StringFlag{
			Name:    "depth",
			Usage:   "analysis depth requested from models: standard or deep",
			Value:   "standard",
			EnvVars: []string{"QUORUM_DEPTH"},
		},
		&cli.BoolFlag{
			Name:    "lenient-parse",
			Usage:   "substitute a low-confidence fallback label for unparseable model output instead of failing the model",
			EnvVars: []string{"QUORUM_LENIENT_PARSE"},
		},
		&cli.BoolFlag{
			Name:    "disable-adaptive-weights",
			Usage:   "always use the static base model weights",
			EnvVars: []string{"QUORUM_DISABLE_ADAPTIVE_WEIGHTS"},
		},
		&cli.StringFlag{
			Name:    "roster-file",
			Usage:   "path to JSON reviewer roster; built-in roster if not set",
			EnvVars: []string{"QUORUM_ROSTER_FILE"},
		},
		&cli.IntFlag{
			Name:    "quota-quarantine-day",
			Usage:   "automated quarantines per day before decisions are downgraded to human review",
			Value:   500,
			EnvVars: []string{"QUORUM_QUOTA_QUARANTINE_DAY"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for critical review notifications",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
	}

	app.Commands = []*cli.Command{
		serveCmd,
		analyzeCmd,
	}

	return app.Run(args)
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the moderation HTTP service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":4040",
			EnvVars: []string{"QUORUM_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":4041",
			EnvVars: []string{"QUORUM_METRICS_LISTEN"},
		},
		&cli.DurationFlag{
			Name:    "review-max-age",
			Usage:   "pending review items older than this are purged from the in-process queue",
			Value:   7 * 24 * time.Hour,
			EnvVars: []string{"QUORUM_REVIEW_MAX_AGE"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger, err := cliutil.SetupSlog(cliutil.LogOptions{LogLevel: cctx.String("log-level"), LogFormat: "json"})
		if err != nil {
			return err
		}
		configOTEL("quorumd")

		svc, err := NewService(cctx.Context, configFromCLI(cctx), logger)
		if err != nil {
			return err
		}
		srv := NewServer(svc, cctx.String("bind"), logger)

		ctx, cancel := context.WithCancel(cctx.Context)
		defer cancel()
		eg, ctx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			svc.Engine.RunTracker(ctx)
			return nil
		})
		eg.Go(func() error {
			return svc.Scheduler.RunCleanup(ctx, time.Hour, cctx.Duration("review-max-age"), svc.Pipeline.ArchivePurgedReviews)
		})

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.RunAPI(); err != nil {
			return err
		}
		cancel()
		if err := eg.Wait(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

var analyzeCmd = &cli.Command{
	Name:      "analyze",
	Usage:     "analyze a single image file and print the outcome as JSON",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "image-id",
			Usage: "identifier to record the image under; defaults to the file name",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		if cctx.Args().Len() != 1 {
			return fmt.Errorf("expected exactly one image path argument")
		}
		path := cctx.Args().First()
		image, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		logger, err := cliutil.SetupSlog(cliutil.LogOptions{LogLevel: cctx.String("log-level")})
		if err != nil {
			return err
		}
		svc, err := NewService(ctx, configFromCLI(cctx), logger)
		if err != nil {
			return err
		}

		imageID := cctx.String("image-id")
		if imageID == "" {
			imageID = filepath.Base(path)
		}
		out, err := svc.Pipeline.AnalyzeAndPersistImage(ctx, imageID, image, verdict.UploadContext{
			Filename: filepath.Base(path),
			Size:     int64(len(image)),
		})
		if out != nil {
			b, merr := json.MarshalIndent(out, "", "  ")
			if merr != nil {
				return merr
			}
			fmt.Println(string(b))
		}
		return err
	},
}
