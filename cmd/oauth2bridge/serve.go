// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openchami/oauth2bridge/pkg/bridge"
	"github.com/openchami/oauth2bridge/pkg/config"
	"github.com/openchami/oauth2bridge/pkg/logging"
)

var (
	listenAddr      string
	shutdownTimeout time.Duration
	watchConfig     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}

		settings, err := loadSettings()
		if err != nil {
			return err
		}
		settings.Logging.Version = version
		logging.Configure(&settings.Logging)

		store, err := config.NewStore(settings)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		service, err := bridge.New(bridge.Options{Settings: store})
		if err != nil {
			return fmt.Errorf("failed to create bridge: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(service.Start)
		if watchConfig && configPath != "" {
			files := []string{configPath}
			if settings.TrustCACertFile != "" {
				files = append(files, settings.TrustCACertFile)
			}
			g.Go(func() error {
				return config.Watch(ctx, store, loadSettings, files...)
			})
		}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return service.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

// loadSettings reads the config file and layers the environment and flags on top
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	config.ApplyEnv(settings)
	if listenAddr != "" {
		settings.Listen = listenAddr
	}
	return settings, nil
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address, overrides the config file")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 15*time.Second, "Time allowed for in-flight requests on shutdown")
	serveCmd.Flags().BoolVar(&watchConfig, "watch", true, "Reload the config file and CA certificate file when they change")

	rootCmd.AddCommand(serveCmd)
}
