package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Brownie44l1/cvm-captcha/internal/captcha"
	"github.com/Brownie44l1/cvm-captcha/internal/dataset"
	"github.com/Brownie44l1/cvm-captcha/internal/downloader"
	"github.com/Brownie44l1/cvm-captcha/internal/portal"
	"github.com/Brownie44l1/cvm-captcha/internal/store"
	"github.com/Brownie44l1/cvm-captcha/internal/updater"
)

var decodeCmd = &cobra.Command{
	Use:   "decode [image...]",
	Short: "Decode captcha images with the pipeline and the digit classifier",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDecode,
}

var datasetCmd = &cobra.Command{
	Use:   "dataset [labelled-dir] [output-dir]",
	Short: "Split labelled captchas into per-digit training images",
	Long: `Reads every PNG in labelled-dir, whose file name must be its digits
(e.g. 04172.png), and writes each digit to output-dir/<digit>/.
Captchas whose digit count does not match the label are skipped.`,
	Args: cobra.ExactArgs(2),
	RunE: runDataset,
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download raw captchas through Tor for labelling",
	RunE:  runDownload,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Log into the registry for each configured fund and store new daily quotes",
	RunE:  runUpdate,
}

var (
	downloadCount int
	downloadDir   string
	datasetJobs   int
)

func init() {
	downloadCmd.Flags().IntVarP(&downloadCount, "count", "n", 0, "number of captchas (default from config)")
	downloadCmd.Flags().StringVarP(&downloadDir, "dir", "s", "", "output directory (default from config)")
	datasetCmd.Flags().IntVarP(&datasetJobs, "jobs", "j", 0, "concurrent extractions (default from config)")
}

func runDecode(cmd *cobra.Command, args []string) error {
	m, err := loadModel()
	if err != nil {
		return err
	}
	defer m.Close()
	solver := portal.NewPipelineSolver(newSolverPipeline(m), m)

	failed := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		label := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		digits, err := solver.Solve(cmd.Context(), data, label)
		if err != nil {
			failed++
			if kind := captcha.KindOf(err); kind != captcha.KindNone {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t!%s\n", path, kind)
				continue
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", path, digits)
	}
	logger.Info("decode finished", zap.Int("images", len(args)), zap.Int("rejected", failed))
	return nil
}

func runDataset(cmd *cobra.Command, args []string) error {
	workers := cfg.Dataset.Workers
	if datasetJobs > 0 {
		workers = datasetJobs
	}
	b := &dataset.Builder{
		Extractor: newPipeline(0, 0),
		Workers:   workers,
		Logger:    logger.Named("dataset"),
	}
	sum, err := b.Build(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "images: %d  accepted: %d  skipped: %d\n", sum.Images, sum.Accepted, sum.Skipped)
	for d := 0; d <= 9; d++ {
		fmt.Fprintf(cmd.OutOrStdout(), "  %d: %d\n", d, sum.Digits[d])
	}
	return nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	dc := cfg.Downloader
	if downloadCount > 0 {
		dc.Count = downloadCount
	}
	if downloadDir != "" {
		dc.Dir = downloadDir
	}

	client, err := downloader.NewTorClient(dc.TorProxy, cfg.GetDownloadTimeout())
	if err != nil {
		return err
	}
	d := &downloader.Downloader{
		Client:  client,
		Rotator: &downloader.TorController{Addr: dc.TorControl, Password: dc.TorPassword},
		Config: downloader.Config{
			URL:          dc.URL,
			Count:        dc.Count,
			Dir:          dc.Dir,
			Timeout:      cfg.GetDownloadTimeout(),
			Cooldown:     cfg.GetCooldown(),
			MaxRotations: dc.MaxRotations,
		},
		Logger: logger.Named("download"),
	}
	res, err := d.Run(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "saved %d captchas to %s (%d rotations)\n", res.Saved, dc.Dir, res.Rotations)
	return err
}

func runUpdate(cmd *cobra.Command, args []string) error {
	if len(cfg.Funds) == 0 {
		return fmt.Errorf("no funds configured")
	}
	ctx := cmd.Context()

	m, err := loadModel()
	if err != nil {
		return err
	}
	defer m.Close()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	browser, err := portal.NewBrowser(ctx, portal.BrowserConfig{
		URL:         cfg.Portal.URL,
		Headless:    cfg.Portal.Headless,
		Proxy:       cfg.Portal.Proxy,
		PageTimeout: cfg.GetPageTimeout(),
		Logger:      logger.Named("browser"),
	})
	if err != nil {
		return err
	}
	defer browser.Close()

	u := &updater.Updater{
		Open: func(ctx context.Context) (updater.FundPage, error) {
			page, err := browser.NewPage(ctx)
			if err != nil {
				return nil, err
			}
			return page, nil
		},
		Solver:   portal.NewPipelineSolver(newSolverPipeline(m), m),
		Store:    db,
		Funds:    cfg.Funds,
		MaxTries: cfg.Portal.MaxTries,
		Logger:   logger.Named("update"),
	}
	reports, err := u.Run(ctx)

	failed := 0
	for _, r := range reports {
		status := fmt.Sprintf("%d new rows from %s", r.Inserted, strings.Join(r.Months, ", "))
		if r.Err != nil {
			failed++
			status = "FAILED: " + r.Err.Error()
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d tries\t%s\n", r.CNPJ, r.Name, r.Tries, status)
	}
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d funds failed", failed, len(reports))
	}
	return nil
}
