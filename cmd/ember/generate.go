package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/samcharles93/ember/internal/config"
	"github.com/samcharles93/ember/internal/generate"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/worker"
	"github.com/urfave/cli/v3"
)

// genFlags holds the sampling flags of the generate command.
type genFlags struct {
	temp          float64
	topK          int
	topP          float64
	sampleLen     int
	seed          int64
	repeatPenalty float64
	repeatLastN   int
	noKVCache     bool
}

// generationConfig layers built-in defaults, the config file and the flags
// that were given, in that order.
func generationConfig(c flagSet, cfg config.Config, f genFlags) generate.Config {
	gc := cfg.Generation.Apply(generate.DefaultConfig())
	if c.IsSet("temp") {
		gc.Temperature = f.temp
	}
	if c.IsSet("top-k") {
		gc.TopK = f.topK
	}
	if c.IsSet("top-p") {
		gc.TopP = f.topP
	}
	if c.IsSet("sample-len") {
		gc.SampleLen = f.sampleLen
	}
	if c.IsSet("seed") {
		gc.Seed = uint64(f.seed)
	}
	if c.IsSet("repeat-penalty") {
		gc.RepeatPenalty = f.repeatPenalty
	}
	if c.IsSet("repeat-last-n") {
		gc.RepeatLastN = f.repeatLastN
	}
	if c.IsSet("no-kv-cache") {
		gc.UseKVCache = !f.noKVCache
	}
	return gc
}

func validateGeneration(gc generate.Config) error {
	switch {
	case gc.SampleLen <= 0:
		return errors.New("--sample-len must be positive")
	case gc.TopK < 0:
		return errors.New("--top-k must not be negative")
	case gc.TopP < 0 || gc.TopP > 1:
		return errors.New("--top-p must be within [0, 1]")
	case gc.RepeatPenalty <= 0:
		return errors.New("--repeat-penalty must be positive")
	case gc.RepeatLastN < 0:
		return errors.New("--repeat-last-n must not be negative")
	}
	return nil
}

func generateCmd() *cli.Command {
	var (
		f           genFlags
		prompt      string
		dtype       string
		streamMode  string
		raw         bool
		interactive bool
	)

	return &cli.Command{
		Name:    "generate",
		Aliases: []string{"gen"},
		Usage:   "Generate text from a prompt, downloading the model first if needed",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (read from stdin when omitted and stdin is not a terminal)",
				Destination: &prompt,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature", "t"},
				Usage:       "sampling temperature (<= 0 is greedy)",
				Destination: &f.temp,
			},
			&cli.IntFlag{
				Name:        "top-k",
				Usage:       "keep the k most likely tokens (0 = off)",
				Destination: &f.topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "nucleus sampling mass (0 = off)",
				Destination: &f.topP,
			},
			&cli.IntFlag{
				Name:        "sample-len",
				Aliases:     []string{"n"},
				Usage:       "maximum number of tokens to sample",
				Destination: &f.sampleLen,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "random seed",
				Destination: &f.seed,
			},
			&cli.Float64Flag{
				Name:        "repeat-penalty",
				Usage:       "penalty for recently seen tokens (1 = off)",
				Destination: &f.repeatPenalty,
			},
			&cli.IntFlag{
				Name:        "repeat-last-n",
				Usage:       "number of recent tokens the penalty looks at",
				Destination: &f.repeatLastN,
			},
			&cli.BoolFlag{
				Name:        "no-kv-cache",
				Usage:       "recompute the whole context at every step",
				Destination: &f.noKVCache,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "weight precision (f32, f16, bf16)",
				Destination: &dtype,
			},
			&cli.StringFlag{
				Name:        "stream-mode",
				Usage:       "output mode (instant, quiet)",
				Value:       string(StreamInstant),
				Destination: &streamMode,
			},
			&cli.BoolFlag{
				Name:        "raw",
				Usage:       "escape control characters in the output",
				Destination: &raw,
			},
			&cli.BoolFlag{
				Name:        "interactive",
				Aliases:     []string{"i"},
				Usage:       "read prompts from the terminal until EOF",
				Destination: &interactive,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			gc := generationConfig(c, fileConfig, f)
			if err := validateGeneration(gc); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if dtype == "" {
				dtype = fileConfig.DType
			}

			if prompt == "" && !interactive {
				if stdinIsTTY() {
					interactive = true
				} else if prompt, err = readPrompt(os.Stdin); err != nil {
					return cli.Exit(fmt.Sprintf("error: read prompt: %v", err), 1)
				}
			}

			session, cache, err := openSession(ctx, dtype)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = cache.Close() }()

			if !session.CheckDownloaded(ctx) {
				if _, err := session.Download(ctx, newProgressPrinter(os.Stderr)); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			engine, err := session.Engine(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Debug("sampling",
				"temperature", gc.Temperature,
				"top_k", gc.TopK,
				"top_p", gc.TopP,
				"seed", gc.Seed,
				"repeat_penalty", gc.RepeatPenalty,
				"kv_cache", gc.UseKVCache,
				"dtype", engine.DType(),
			)

			out := NewStreamWriter(os.Stdout, mode, raw)
			if !interactive {
				return runOnce(ctx, session, prompt, gc, out)
			}

			fmt.Fprintln(os.Stderr, "Interactive mode. Ctrl+D to quit.")
			for {
				line, err := readInteractiveLine("> ")
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read input: %v", err), 1)
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if err := runOnce(ctx, session, line, gc, out); err != nil {
					return err
				}
			}
		},
	}
}

// runOnce generates for one prompt and prints the stats line to stderr.
func runOnce(ctx context.Context, session *worker.Session, prompt string, gc generate.Config, out *StreamWriter) error {
	out.Reset()
	gen, err := session.Generate(ctx, prompt, gc, out.Write)
	out.Flush()
	fmt.Println()
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: generation: %v", err), 1)
	}
	fmt.Fprintf(os.Stderr, "Stats: %.2f TPS (%d tokens in %s, stop=%s)\n",
		gen.TokensPerSecond, gen.TokenCount, gen.Duration.Round(time.Millisecond), gen.Reason)
	return nil
}
