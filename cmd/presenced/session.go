package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/RPwnage/EA-Software-sub005/internal/app"
	"github.com/RPwnage/EA-Software-sub005/internal/config"
	"github.com/RPwnage/EA-Software-sub005/internal/logging"
)

// instance is a configured app together with its logger
type instance struct {
	*app.App
	log *logging.Logger
}

func (i *instance) Close() {
	if err := i.App.Close(); err != nil {
		logging.Warn("shutdown failed: %v", err)
	}
	i.log.Close()
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

// open builds the app without connecting
func open(c *cli.Context) (*instance, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	log, err := logging.Init(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	a, err := app.New(cfg, app.WithLogger(log.Logger))
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("failed to initialize app: %w", err)
	}
	return &instance{App: a, log: log}, nil
}

// connect builds the app and signs in
func connect(ctx context.Context, c *cli.Context) (*instance, error) {
	inst, err := open(c)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(inst.Config()); err != nil {
		inst.Close()
		return nil, err
	}
	if err := inst.Connect(ctx); err != nil {
		inst.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return inst, nil
}
