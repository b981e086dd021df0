// Package main is the roadseg command: it trains the FCN-VGG16 road
// segmentation network and writes synthetic backbone bundles.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/born-ml/roadseg/internal/app"
	"github.com/born-ml/roadseg/internal/config"
	"github.com/born-ml/roadseg/internal/fcn"
	"github.com/born-ml/roadseg/internal/logging"
)

// Version is set at link time.
var Version = ""

const (
	flagConfig       = "config"
	flagDataDir      = "data-dir"
	flagVGGURL       = "vgg-url"
	flagEpochs       = "epochs"
	flagBatchSize    = "batch-size"
	flagSeed         = "seed"
	flagLogLevel     = "log-level"
	flagOut          = "out"
	flagWidthDivisor = "width-divisor"
	flagImageHeight  = "image-height"
	flagImageWidth   = "image-width"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "roadseg",
		Usage: "train an FCN-VGG16 road segmentation network on KITTI road",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{Name: flagDataDir, Usage: "dataset and backbone directory"},
			&cli.StringFlag{Name: flagVGGURL, Usage: "backbone bundle archive to fetch when data/vgg is missing"},
			&cli.IntFlag{Name: flagEpochs, Usage: "number of epochs"},
			&cli.IntFlag{Name: flagBatchSize, Usage: "images per batch"},
			&cli.Int64Flag{Name: flagSeed, Usage: "seed for initialization, dropout and shuffling (0 = time based)"},
			&cli.StringFlag{Name: flagLogLevel, Usage: "debug, info, warn or error"},
		},
		Action: trainAction,
		Commands: []*cli.Command{
			{
				Name:   "train",
				Usage:  "train with the global flags (the default command)",
				Action: trainAction,
			},
			{
				Name:  "bundle",
				Usage: "write a Glorot initialized VGG16 backbone bundle",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOut, Value: "./data/vgg", Usage: "bundle `DIR`"},
					&cli.Int64Flag{Name: flagSeed, Value: 1, Usage: "initialization seed"},
					&cli.IntFlag{Name: flagWidthDivisor, Value: 1, Usage: "divide every channel count, for small smoke bundles"},
					&cli.IntFlag{Name: flagImageHeight, Usage: "fix the input height (0 = dynamic)"},
					&cli.IntFlag{Name: flagImageWidth, Usage: "fix the input width (0 = dynamic)"},
				},
				Action: bundleAction,
			},
			{
				Name:   "version",
				Usage:  "print version info for this program",
				Action: versionAction,
			},
		},
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyOverrides(config.Overrides{
		DataDir:   c.String(flagDataDir),
		VGGURL:    c.String(flagVGGURL),
		Epochs:    c.Int(flagEpochs),
		BatchSize: c.Int(flagBatchSize),
		Seed:      c.Int64(flagSeed),
		LogLevel:  c.String(flagLogLevel),
	})
	return cfg, cfg.Validate()
}

func trainAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger("roadseg", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	res, err := app.Run(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	logger.Infow("Training finished",
		"checkpoint", res.CheckpointPath,
		"graph", res.GraphPath,
		"samples", res.SamplesDir)
	return nil
}

func bundleAction(c *cli.Context) error {
	out := c.String(flagOut)
	err := fcn.WriteVGGBundle(out, fcn.BundleOptions{
		Seed:         c.Int64(flagSeed),
		WidthDivisor: c.Int(flagWidthDivisor),
		ImageShape:   [2]int{c.Int(flagImageHeight), c.Int(flagImageWidth)},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "wrote %s\n", out)
	return nil
}

func versionAction(c *cli.Context) error {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return fmt.Errorf("error reading build info")
	}
	settings := make(map[string]string, len(info.Settings))
	for _, setting := range info.Settings {
		settings[setting.Key] = setting.Value
	}
	revision := "?"
	if rev, ok := settings["vcs.revision"]; ok {
		revision = rev[:min(8, len(rev))]
		if settings["vcs.modified"] == "true" {
			revision += "+"
		}
	}
	version := Version
	if version == "" {
		version = "(dev)"
	}
	fmt.Fprintf(c.App.Writer, "roadseg %s git=%s go=%s\n", version, revision, info.GoVersion)
	return nil
}
