package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/cvm-captcha/internal/captcha"
	"github.com/Brownie44l1/cvm-captcha/internal/config"
	"github.com/Brownie44l1/cvm-captcha/internal/logging"
	"github.com/Brownie44l1/cvm-captcha/internal/model"
	"github.com/Brownie44l1/cvm-captcha/internal/ocr"
	"github.com/Brownie44l1/cvm-captcha/internal/ocr/tesseract"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fundctl",
	Short: "Fund registry captcha tools",
	Long: `fundctl decodes the registry's numeric captchas and keeps a local
database of daily fund quotes up to date.

Every subcommand reads config.yaml (see --config); environment variables
such as MODEL_PATH or STORE_PATH override it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		logger, err = logging.New(cfg.Logging, verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(decodeCmd, datasetCmd, downloadCmd, updateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newPipeline builds the captcha pipeline with the configured OCR tie-breaker.
// digitSize overrides the configured size when positive.
func newPipeline(digitSize, maxGlyphs int) *captcha.Pipeline {
	opts := captcha.Options{
		Thresholds: cfg.Captcha.Thresholds,
		DigitSize:  cfg.Captcha.DigitSize,
		MaxGlyphs:  cfg.Captcha.MaxGlyphs,
		Logger:     logger.Named("captcha"),
	}
	if digitSize > 0 {
		opts.DigitSize = digitSize
	}
	if maxGlyphs > 0 {
		opts.MaxGlyphs = min(opts.MaxGlyphs, maxGlyphs)
	}
	if cfg.OCR.Enabled {
		opts.Reader = ocr.NewDigitReader(tesseract.NewEngine(), cfg.GetOCRTimeout(), cfg.OCR.Languages...)
	}
	return captcha.New(opts)
}

func loadModel() (*model.Server, error) {
	return model.NewServer(model.Config{
		ModelPath:         cfg.Model.Path,
		MetadataPath:      cfg.Model.MetadataPath,
		SharedLibraryPath: cfg.Model.SharedLibrary,
	})
}

// newSolverPipeline pairs the model with a pipeline sized for it.
func newSolverPipeline(m *model.Server) *captcha.Pipeline {
	return newPipeline(m.Metadata.ImageSize, m.Metadata.MaxBatch()+1)
}
