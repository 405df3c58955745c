package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"catalog-assist/handler"
	"catalog-assist/internal/app"
	"catalog-assist/internal/config"
	"catalog-assist/internal/pkg/logger"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Level:      cfg.App.LogLevel,
		FilePath:   cfg.App.LogFilePath,
		Production: cfg.IsProduction(),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	// ---- Clients and service ----
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to build service", zap.Error(err))
	}
	defer a.Close()

	// ---- Handler ----
	h, err := handler.NewHandler(a.Service, handler.WithLogger(log))
	if err != nil {
		log.Fatal("failed to create handler", zap.Error(err))
	}

	lambda.Start(h.Handle)
}
