package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mailcadence/config"
	controller "mailcadence/controllers"
	"mailcadence/routes"
	"mailcadence/store"
	"mailcadence/utils"
	"mailcadence/worker"
)

func main() {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if err := config.LoadConfig(); err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	if config.AppConfig.Environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.WithError(err).Fatal("Failed to initialize sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	worker.InitMetrics()

	st := store.NewGormStore(config.DB)
	mailer := utils.NewSMTPMailer(config.AppConfig.MailTimeout)

	seqWorker := worker.NewSequenceWorker(st, mailer, logger, config.AppConfig.FallbackTimezone)
	seqWorker.MaxAttempts = config.AppConfig.MaxSendAttempts
	if rps := config.AppConfig.DispatchRatePerSec; rps > 0 {
		seqWorker.Limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}

	detector := worker.NewReplyDetector(st, utils.DialIMAP(config.AppConfig.MailTimeout), logger)
	enroller := worker.NewEnroller(st, logger, config.AppConfig.FallbackTimezone)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go seqWorker.Start(ctx, config.AppConfig.WorkerInterval)
	go detector.Start(ctx, config.AppConfig.DetectorInterval)
	go seqWorker.StartQuotaReset(ctx)

	app := fiber.New()
	routes.SetupRoutes(app,
		controller.NewWorkerController(seqWorker, detector, logger),
		controller.NewEnrollmentController(enroller, logger),
	)

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down server")
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	logger.WithField("port", config.AppConfig.ServerPort).Info("Server starting")
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.WithError(err).Fatal("Failed to start server")
	}
}
