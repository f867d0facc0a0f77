package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/INLOpen/dbmsg/config"
	"github.com/INLOpen/dbmsg/server"
	"github.com/spf13/cobra"
)

const defaultConfigFilePath = "./dbmsg.yaml"

func newServeCmd() *cobra.Command {
	var configPath string
	c := &cobra.Command{
		Use:     "serve",
		Short:   "Run the database message server",
		Example: "dbmsgsrv serve --config /etc/dbmsg.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	c.Flags().StringVarP(&configPath, "config", "c", defaultConfigFilePath, "path to the YAML configuration file")
	return c
}

func runServe(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", configPath, "error", err)
		return err
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logger.Info("Using overflow directory", "path", cfg.Queue.OverflowDir, "memory_capacity", cfg.Queue.MemoryCapacity)

	tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("Failed to initialize tracer provider", "error", err)
		return err
	}
	defer tracerCleanup()

	appServer, err := server.NewAppServer(cfg, server.AppOptions{}, logger)
	if err != nil {
		logger.Error("Failed to create application server", "error", err)
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- appServer.Start()
	}()
	logger.Info("Application running. Press Ctrl+C to exit.")

	select {
	case err := <-serverErrChan:
		if err != nil {
			logger.Error("Server exited with an error", "error", err)
			return fmt.Errorf("server exited: %w", err)
		}
	case <-quit:
		logger.Info("Shutdown signal received. Stopping server...")
		appServer.Stop()
		if err := <-serverErrChan; err != nil {
			return err
		}
	}
	logger.Info("Application exited gracefully.")
	return nil
}
