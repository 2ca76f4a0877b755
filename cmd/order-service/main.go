// Команда order-service запускает HTTP API заказов, вебхуки, фоновые воркеры и метрики.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

type runFunc func(ctx context.Context, cfg app.Config) error

func configureLogging(logger *log.Logger, level, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format: %q", format)
	}

	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger.SetLevel(lvl)
	return nil
}

// run разбирает флаги, настраивает логирование и передаёт управление serve.
func run(ctx context.Context, args []string, stdout io.Writer, load func() (app.Config, error), serve runFunc) error {
	fs := flag.NewFlagSet("order-service", flag.ContinueOnError)
	fs.SetOutput(stdout)
	showVersion := fs.Bool("version", false, "print build info and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		_, err := fmt.Fprintln(stdout, version.Current().String())
		return err
	}

	cfg, err := load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := configureLogging(log.StandardLogger(), cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"http":    cfg.HTTPAddr,
		"grpc":    cfg.GRPCAddr,
		"metrics": cfg.MetricsAddr,
		"storage": cfg.StorageDriver,
		"kafka":   cfg.KafkaEnabled(),
		"build":   version.Current().String(),
	}).Info("сервис заказов стартует")

	if err := serve(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("сервис заказов остановлен")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, app.LoadConfig, app.Run)
	stop()
	if err != nil {
		log.WithError(err).Fatal("сервис заказов завершился с ошибкой")
	}
}
