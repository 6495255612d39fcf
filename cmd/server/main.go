package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"example.com/hlsserve/internal/config"
	"example.com/hlsserve/internal/hls"
	"example.com/hlsserve/internal/logger"
	"example.com/hlsserve/internal/server"
	"example.com/hlsserve/internal/util"
)

const defaultEnvFile = ".env"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "hlsserve: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "hlsserve",
		Short:         "Serve HLS playlists and segments from a directory over HTTP",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			return loadEnvFile(envFile, cmd.Flags().Changed("env-file"))
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(cmd.Flags(), os.LookupEnv)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "path to a JSON, TOML or YAML configuration file")
	pf.String("address", "", "listen address (host:port), default "+config.DefaultAddress)
	pf.String("base-dir", "", "directory files are served from, default "+config.DefaultBaseDirectory)
	pf.String("log-level", "", "error log level: DEBUG, INFO, WARNING or ERROR")
	pf.String("env-file", defaultEnvFile, "dotenv file loaded before reading the environment")

	root.AddCommand(newConfigCommand())
	return root
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(cmd.Flags(), os.LookupEnv)
			if err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("format")
			return config.Encode(cmd.OutOrStdout(), cfg, format)
		},
	}
	cmd.Flags().String("format", "yaml", "output format: yaml, json or toml")
	return cmd
}

// loadEnvFile populates the process environment from a dotenv file. Variables that are
// already set win. A missing default file is not an error.
func loadEnvFile(path string, explicit bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// buildConfig layers defaults, the config file, the environment and explicitly set
// flags, in that order, and validates the result.
func buildConfig(flags *pflag.FlagSet, lookup func(string) (string, bool)) (*config.Config, error) {
	var cfg *config.Config
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	config.ApplyEnv(cfg, lookup)

	if flags.Changed("address") {
		addr, _ := flags.GetString("address")
		cfg.Server.Address = &addr
	}
	if flags.Changed("base-dir") {
		cfg.HLS.BaseDirectory, _ = flags.GetString("base-dir")
	}
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Logging.LogLevel = config.LogLevel(strings.ToUpper(level))
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := appLogger.CloseLogFiles(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing log files during shutdown: %v\n", err)
		}
	}()

	handler, err := hls.NewHandler(cfg.HLS, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize HLS handler: %w", err)
	}
	base := handler.Resolver().Base()
	if fi, err := os.Stat(base); err != nil {
		appLogger.Warn("Base directory is not accessible; requests will fail until it is", logger.LogFields{"base_directory": base, "error": err.Error()})
	} else if !fi.IsDir() {
		appLogger.Warn("Base directory is not a directory", logger.LogFields{"base_directory": base})
	}

	srv, err := server.NewServer(cfg, appLogger, handler)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	appLogger.Info("Starting HLS server", logger.LogFields{
		"address":        *cfg.Server.Address,
		"base_directory": base,
		"route":          server.RoutePattern(cfg.HLS.RoutePrefix),
		"h2c":            *cfg.Server.EnableH2C,
		"log_level":      appLogger.Level(),
	})

	if err := srv.Start(); err != nil {
		if util.IsAddrInUse(err) {
			return fmt.Errorf("address %s is already in use: %w", *cfg.Server.Address, err)
		}
		return err
	}

	appLogger.Info("Server has shut down gracefully", nil)
	return nil
}
