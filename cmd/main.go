package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"github.com/xeptore/flaw/v8"

	"github.com/beast-69-bot/azmegadownloader/cache"
	"github.com/beast-69-bot/azmegadownloader/config"
	"github.com/beast-69-bot/azmegadownloader/constant"
	"github.com/beast-69-bot/azmegadownloader/ctxutil"
	"github.com/beast-69-bot/azmegadownloader/leech"
	"github.com/beast-69-bot/azmegadownloader/log"
	"github.com/beast-69-bot/azmegadownloader/mega"
	"github.com/beast-69-bot/azmegadownloader/ratelimit"
	"github.com/beast-69-bot/azmegadownloader/store"
	"github.com/beast-69-bot/azmegadownloader/tgdeliver"
	"github.com/beast-69-bot/azmegadownloader/tgutil"
	"github.com/beast-69-bot/azmegadownloader/waitqueue"
)

const (
	flagConfigFilePath = "config"
)

func main() {
	logger := log.NewPretty(os.Stdout).Level(zerolog.TraceLevel)
	if err := godotenv.Load(); nil != err {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn().Msg(".env file was not found")
		} else {
			logger.Fatal().Err(err).Msg("Failed to load .env file")
		}
	}

	//nolint:exhaustruct
	app := &cli.App{
		Name:     "azmegadownloader",
		Version:  constant.Version,
		Compiled: constant.CompileTime,
		Suggest:  true,
		Usage:    "Telegram MEGA leech bot",
		Commands: []*cli.Command{
			//nolint:exhaustruct
			{
				Name:    "run",
				Aliases: []string{"r"},
				Usage:   "Run the bot",
				Action:  run,
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.StringFlag{
						Name:     flagConfigFilePath,
						Aliases:  []string{"c"},
						Usage:    "Config file path",
						Required: false,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); nil != err {
		if errors.Is(err, context.Canceled) {
			logger.Trace().Msg("Application was canceled")
			return
		}
		if flawErr := new(flaw.Flaw); errors.As(err, &flawErr) {
			logger.Fatal().Func(log.Flaw(flawErr)).Msg("Application exited with flaw")
			return
		}
		logger.Fatal().Err(err).Msg("Application exited with error")
	}
}

func run(cliCtx *cli.Context) (err error) {
	ctx, cancel := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.NewPretty(os.Stdout).Level(zerolog.TraceLevel)
	var (
		appHash  = os.Getenv("APP_HASH")
		cfgEnv   = os.Getenv("CONFIG")
		botToken = os.Getenv("BOT_TOKEN")
		cfg      *config.Config
	)
	cfgFilePath := cliCtx.String(flagConfigFilePath)
	switch {
	case cfgFilePath != "" && cfgEnv != "":
		return errors.New("config file path and config environment variable are both set. specify only one")
	case cfgFilePath == "" && cfgEnv == "":
		return errors.New("config file path and config environment variable are both empty. specify one")
	case cfgFilePath != "":
		logger.Debug().Str("config_file_path", cfgFilePath).Msg("Loading config from file")
		c, err := config.FromFile(cfgFilePath)
		if nil != err {
			return fmt.Errorf("failed to load config file: %v", err)
		}
		cfg = c
	default:
		logger.Debug().Msg("Loading config from environment variable")
		c, err := config.FromString(cfgEnv)
		if nil != err {
			return fmt.Errorf("failed to load config from environment variable: %v", err)
		}
		cfg = c
	}

	appID, err := strconv.Atoi(os.Getenv("APP_ID"))
	if nil != err {
		return errors.New("failed to parse APP_ID environment variable to integer")
	}
	if botToken == "" {
		return errors.New("BOT_TOKEN environment variable is empty")
	}

	for _, dir := range []string{cfg.ScratchBaseDir, cfg.CredsDir} {
		if err := os.MkdirAll(dir, 0o755); nil != err {
			return fmt.Errorf("failed to create directory %q: %v", dir, err)
		}
	}

	// A second instance sharing the scratch directory would corrupt task
	// workspaces, refuse to start instead.
	instanceLock := flock.New(filepath.Join(cfg.ScratchBaseDir, ".instance.lock"))
	locked, err := instanceLock.TryLock()
	if nil != err {
		return fmt.Errorf("failed to acquire scratch directory lock: %v", err)
	}
	if !locked {
		return errors.New("another instance is already using the scratch directory")
	}
	defer func() {
		if unlockErr := instanceLock.Unlock(); nil != unlockErr && nil == err {
			err = fmt.Errorf("failed to release scratch directory lock: %v", unlockErr)
		}
	}()

	db, err := store.Open(ctx, cfg.DBPath, logger)
	if nil != err {
		return err
	}
	defer func() {
		if closeErr := db.Close(); nil != closeErr {
			logger.Error().Err(closeErr).Msg("Failed to close database")
		}
	}()
	logger.Debug().Str("db_path", cfg.DBPath).Msg("Database opened")

	d := tg.NewUpdateDispatcher()
	updateHandler := updates.New(updates.Config{Handler: d}) //nolint:exhaustruct

	client := telegram.NewClient(
		appID,
		appHash,
		//nolint:exhaustruct
		telegram.Options{
			SessionStorage: &session.FileStorage{Path: filepath.Join(cfg.CredsDir, "session.json")},
			UpdateHandler:  updateHandler,
			MaxRetries:     -1,
			AckBatchSize:   100,
			AckInterval:    10 * time.Second,
			RetryInterval:  5 * time.Second,
			DialTimeout:    10 * time.Second,
			Device:         tgutil.Device,
			Middlewares:    tgutil.DefaultMiddlewares(ctx),
		},
	)
	logger.Debug().Msg("Telegram client initialized.")

	clientCtx, cancelClient := ctxutil.WithDelayedTimeout(ctx, 5*time.Second)
	defer cancelClient()

	// The run closure intentionally uses the outer contexts: ctx stops the
	// bot on a signal, clientCtx stays alive slightly longer so terminal
	// status messages still go out during shutdown.
	return client.Run(clientCtx, func(_ context.Context) error {
		status, err := client.Auth().Status(ctx)
		if nil != err {
			if errors.Is(ctx.Err(), context.Canceled) {
				return context.Canceled
			}
			return fmt.Errorf("failed to get Telegram client auth status: %v", err)
		}
		if !status.Authorized {
			if _, authErr := client.Auth().Bot(ctx, botToken); nil != authErr {
				if errors.Is(ctx.Err(), context.Canceled) {
					return context.Canceled
				}
				return fmt.Errorf("failed to authorize Telegram bot: %v", authErr)
			}
			logger.Debug().Msg("Telegram client authorized.")
		} else {
			logger.Debug().Msg("Telegram client has already been authorized.")
		}

		sender := message.NewSender(tg.NewClient(client))

		caches := cache.New()
		sendQueue := waitqueue.New(clientCtx, time.Minute, ratelimit.StatusEditsPerCycle, 2*time.Second)
		defer sendQueue.Close()

		deliverer := tgdeliver.New(client, sender, &caches.UploadedThumbs, sendQueue, logger)

		registry := leech.NewRegistry(config.TerminalTaskRetention, logger)
		reporter := leech.NewReporter(config.StatusUpdateInterval, config.StatusUpdateByteDelta, logger)
		engine := leech.NewEngine(
			ctx,
			leech.Limits{
				MaxConcurrentTasks:  cfg.MaxConcurrentTasks,
				PerOwnerTasks:       cfg.PerOwnerTasks,
				FreeDailyQuota:      cfg.FreeDailyQuota,
				MaxUploadPartSize:   config.MaxUploadPartSize,
				DownloadIdleTimeout: config.DownloadIdleTimeout,
			},
			cfg.ScratchBaseDir,
			registry,
			reporter,
			mega.NewClient(logger),
			deliverer,
			cache.WrapEntitlements(db, &caches.Entitlements),
			db,
			db,
			logger,
		)

		b := &Bot{
			config:    cfg,
			engine:    engine,
			store:     db,
			cache:     caches,
			deliverer: deliverer,
			msgCtx:    clientCtx,
			logger:    logger.With().Str("module", "bot").Logger(),
		}
		d.OnNewMessage(b.onNewMessage)

		logger.Info().Msg("Bot is running")
		<-ctx.Done()

		logger.Debug().Msg("Stopping bot, waiting for in-flight tasks to settle")
		engine.Wait()
		return nil
	})
}
