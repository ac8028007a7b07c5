package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/samcharles93/ember/internal/fetch"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/worker"
	"github.com/urfave/cli/v3"
)

func downloadCmd() *cli.Command {
	var quiet bool
	return &cli.Command{
		Name:  "download",
		Usage: "Download the model, tokenizer and config into the asset store",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "quiet",
				Aliases:     []string{"q"},
				Usage:       "do not print progress",
				Destination: &quiet,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			session, cache, err := openSession(ctx, "")
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = cache.Close() }()

			var obs fetch.Observer
			if !quiet {
				obs = newProgressPrinter(os.Stderr)
			}
			assets, err := session.Download(ctx, obs)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if assets == nil {
				fmt.Printf("%s is already cached\n", session.Repository())
				return nil
			}
			fmt.Printf("downloaded %s (%s)\n", session.Repository(),
				humanBytes(int64(len(assets.Model)+len(assets.Tokenizer)+len(assets.Config))))
			return nil
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show which assets are cached",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			session, cache, err := openSession(ctx, "")
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = cache.Close() }()

			downloaded := session.CheckDownloaded(ctx)
			fmt.Printf("repository: %s\n", session.Repository())
			fmt.Printf("cache:      %s\n", cache.Dir())
			fmt.Printf("downloaded: %t\n\n", downloaded)
			renderInventory(os.Stdout, session.Inventory(ctx))
			return nil
		},
	}
}

func clearCmd() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "Remove the cached assets",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			session, cache, err := openSession(ctx, "")
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() { _ = cache.Close() }()

			if err := session.ClearCache(ctx); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			logger.FromContext(ctx).Info("cache cleared", "dir", cache.Dir())
			return nil
		},
	}
}

func renderInventory(w io.Writer, entries []worker.Entry) {
	data := make([][]string, 0, len(entries))
	for _, e := range entries {
		size := "-"
		if e.Cached {
			size = humanBytes(e.Size)
		}
		data = append(data, []string{e.Key, e.File, strconv.FormatBool(e.Cached), size})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"KEY", "FILE", "CACHED", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

// progressPrinter writes one line per asset whenever its percentage moves.
// Downloads without a length are reported every progressStep bytes.
type progressPrinter struct {
	w    io.Writer
	mu   sync.Mutex
	last map[string]int64
}

const progressStep = 8 << 20

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, last: make(map[string]int64)}
}

func (p *progressPrinter) Observe(ev fetch.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev := ev.(type) {
	case fetch.Begin:
		p.last[ev.Asset] = -1
		_, _ = fmt.Fprintf(p.w, "%s: starting\n", ev.Asset)
	case fetch.Progress:
		mark := ev.Received / progressStep
		if ev.HasTotal {
			mark = int64(ev.Percent)
		}
		if mark == p.last[ev.Asset] {
			return
		}
		p.last[ev.Asset] = mark
		if ev.HasTotal {
			_, _ = fmt.Fprintf(p.w, "%s: %3d%% %s / %s\n", ev.Asset, ev.Percent, humanBytes(ev.Received), humanBytes(ev.Total))
		} else {
			_, _ = fmt.Fprintf(p.w, "%s: %s\n", ev.Asset, humanBytes(ev.Received))
		}
	case fetch.Complete:
		delete(p.last, ev.Asset)
		_, _ = fmt.Fprintf(p.w, "%s: done (%s)\n", ev.Asset, humanBytes(int64(ev.Bytes)))
	}
}

func humanBytes(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "kMGTPE"[exp])
}
