package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/perplex/internal/backend"
	"github.com/samcharles93/perplex/internal/config"
	"github.com/samcharles93/perplex/internal/logger"
	"github.com/samcharles93/perplex/internal/models"
	"github.com/samcharles93/perplex/internal/perplexity"
	"github.com/samcharles93/perplex/internal/version"
)

const defaultText = "I went to the store"

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "perplex",
		Usage:     "Score how predictable a text is under a causal language model",
		ArgsUsage: "[text...]",
		Version:   version.String(),
		// Every argument is part of the text, including ones that look like flags.
		SkipFlagParsing: true,
		HideHelp:        true,
		HideVersion:     true,
		Writer:          stdout,
		ErrWriter:       stderr,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(ctx, cmd.Args().Slice(), stdout, stderr)
		},
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Resolve()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := logger.Setup(cfg.LogLevel, cfg.LogFormat, stderr)
	if err != nil {
		return err
	}
	ctx = logger.WithContext(ctx, log)

	text := defaultText
	if len(args) > 0 {
		text = strings.Join(args, " ")
	}

	log.Debug("using device", "device", backend.CPU)
	_, _ = fmt.Fprintf(stdout, "Calculating perplexity for: '%s'\n\n", text)

	h, err := models.NewResolver(cfg, backend.CPU).Resolve(ctx, cfg.DefaultModel)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()

	res, err := perplexity.Compute(ctx, text, h.Pair)
	if err != nil {
		return err
	}
	return writeReport(stdout, res)
}
