package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/perplex/internal/config"
)

func workerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "serve the local test API on this address instead of polling the platform",
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "expose prometheus metrics on this address while polling",
		},
		&cli.StringFlag{
			Name:  "model",
			Usage: "default model kept loaded for the life of the process",
		},
		&cli.StringFlag{
			Name:  "cache-dir",
			Usage: "hub cache searched before fetching a model",
		},
		&cli.StringFlag{
			Name:  "backend",
			Usage: "execution device (auto, cpu, cuda)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug, info, warn or error",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "pretty, json or text",
		},
		&cli.DurationFlag{
			Name:  "poll-interval",
			Usage: "pause between empty job polls",
		},
	}
}

// applyFlags overrides cfg with every flag the user set explicitly.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	stringFlags := map[string]*string{
		"addr":         &cfg.ServerAddress,
		"metrics-addr": &cfg.MetricsAddress,
		"model":        &cfg.DefaultModel,
		"cache-dir":    &cfg.CacheDir,
		"backend":      &cfg.Backend,
		"log-level":    &cfg.LogLevel,
		"log-format":   &cfg.LogFormat,
	}
	for name, dst := range stringFlags {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	if cmd.IsSet("poll-interval") {
		cfg.PollInterval = cmd.Duration("poll-interval")
	}
}
