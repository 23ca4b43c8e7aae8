package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/cvm-captcha/internal/captcha"
	"github.com/Brownie44l1/cvm-captcha/internal/config"
	"github.com/Brownie44l1/cvm-captcha/internal/handlers"
	"github.com/Brownie44l1/cvm-captcha/internal/logging"
	"github.com/Brownie44l1/cvm-captcha/internal/model"
	"github.com/Brownie44l1/cvm-captcha/internal/ocr"
	"github.com/Brownie44l1/cvm-captcha/internal/ocr/tesseract"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("loading model", zap.String("path", cfg.Model.Path))
	modelServer, err := model.NewServer(model.Config{
		ModelPath:         cfg.Model.Path,
		MetadataPath:      cfg.Model.MetadataPath,
		SharedLibraryPath: cfg.Model.SharedLibrary,
	})
	if err != nil {
		return err
	}
	defer modelServer.Close()

	opts := captcha.Options{
		Thresholds: cfg.Captcha.Thresholds,
		DigitSize:  modelServer.Metadata.ImageSize,
		MaxGlyphs:  min(cfg.Captcha.MaxGlyphs, modelServer.Metadata.MaxBatch()+1),
		Logger:     logger.Named("captcha"),
	}
	if cfg.OCR.Enabled {
		opts.Reader = ocr.NewDigitReader(tesseract.NewEngine(), cfg.GetOCRTimeout(), cfg.OCR.Languages...)
	}
	pipeline := captcha.New(opts)

	mux := http.NewServeMux()
	handlers.NewHandler(pipeline, modelServer, modelServer.Metadata.ImageSize, logger.Named("http")).Routes(mux)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("server starting",
		zap.String("port", cfg.Server.Port),
		zap.Strings("classes", modelServer.Metadata.Classes),
		zap.Bool("ocr", cfg.OCR.Enabled),
		zap.Strings("endpoints", []string{"GET /health", "POST /predict", "POST /decode"}))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
