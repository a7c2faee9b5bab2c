package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	autoannotate "github.com/menta2k/auto-annotate"
	"github.com/menta2k/auto-annotate/internal/config"
	"github.com/menta2k/auto-annotate/internal/utils"
)

// flagKeys maps command-line flags to config keys
var flagKeys = map[string]string{
	"backend":   "backend",
	"url":       "url",
	"model":     "model",
	"api-key":   "api_key",
	"timeout":   "timeout",
	"log-level": "log_level",
	"normalize": "labels.normalize",
	"name":      "dataset.class_name",
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	var (
		source      string
		destination string
		configFile  string
		classes     []string
	)

	cmd := &cobra.Command{
		Use:   "auto-annotate --source DIR --destination DIR --classes NAME [NAME...]",
		Short: "Build a YOLO dataset by auto-annotating images with a vision model",
		Long: `auto-annotate asks a vision model to find objects in every image of a
directory and writes the matches as a single-class YOLO training dataset.

Classes are tried in the order given; the first class the model finds is used
for the image and every box is written as class 0. Progress is committed after
each image, so re-running the same command resumes an interrupted run.`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			classes = append(classes, args...)
			if len(classes) == 0 {
				return fmt.Errorf("at least one class name is required (--classes)")
			}

			path := configFile
			if path == "" && utils.FileExists(config.GetConfigPath()) {
				path = config.GetConfigPath()
			}
			cfg, err := config.Load(v, path)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			level, _ := config.ParseLogLevel(cfg.LogLevel)
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})).
				With("run_id", uuid.NewString())

			ctx := cmd.Context()
			aa, err := autoannotate.New(ctx, cfg, autoannotate.Options{
				SourceDir:      source,
				DestinationDir: destination,
				Classes:        classes,
			}, logger)
			if err != nil {
				return err
			}
			defer aa.Close()

			logger.Info("Using backend", "backend", cfg.Backend, "model", cfg.ModelName(), "url", cfg.URL)

			summary, err := aa.Run(ctx)
			switch {
			case errors.Is(err, autoannotate.ErrInvalidSource),
				errors.Is(err, autoannotate.ErrInvalidDestination),
				errors.Is(err, autoannotate.ErrNoImages):
				logger.Error("Nothing to annotate", "error", err)
				return nil
			case err != nil:
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Annotated %d of %d images (%d skipped, %d failed, %d already processed)\n",
				summary.Accepted, summary.Total, summary.Skipped, summary.Failed, summary.AlreadyProcessed)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&source, "source", "s", "", "directory containing the images to annotate")
	flags.StringVarP(&destination, "destination", "d", "", "directory the dataset is written to")
	flags.StringArrayVarP(&classes, "classes", "c", nil, "class name to detect, repeatable, in priority order")
	flags.StringVar(&configFile, "config", "", "config file (default $HOME/.config/auto-annotate/config.yaml)")

	flags.String("backend", config.BackendMoondream, "vision backend: moondream, ollama, llamacpp or gemini")
	flags.String("url", "", "backend server URL")
	flags.String("model", "", "model name (ollama defaults to "+config.DefaultOllamaModel+")")
	flags.String("api-key", "", "API key for hosted backends")
	flags.Duration("timeout", 300*time.Second, "timeout for a single detection request")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.Bool("normalize", false, "write label coordinates normalized to [0,1]")
	flags.String("name", "", "class name written to data.yaml (defaults to the first class)")

	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("destination")

	if err := bindFlags(v, flags); err != nil {
		panic(err)
	}

	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}
	return nil
}
