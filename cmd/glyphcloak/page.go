package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/polisai/glyphcloak/pkg/pipeline"
)

type pageFlags struct {
	out        string
	keys       string
	skip       []string
	checkFonts bool
}

func (f *pageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.out, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().StringVar(&f.keys, "keys", "", "Write the key material of the page to this file")
	cmd.Flags().StringSliceVar(&f.skip, "skip", nil, "Extra CSS selectors to leave uncloaked")
	cmd.Flags().BoolVar(&f.checkFonts, "check-fonts", false, "Fetch each cloaking font and leave it unset when unreachable")
}

func newPageCmd(a *app) *cobra.Command {
	f := &pageFlags{}
	cmd := &cobra.Command{
		Use:   "page <input.html>",
		Short: "Cloak the text of an HTML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newCloaker(f.checkFonts)
			if err != nil {
				return err
			}
			report, err := c.cloakFile(cmd.Context(), args[0], f.out, f.keys, f.skip, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			a.logger.Info("Page cloaked",
				"input", args[0],
				"units", report.Units,
				"rewritten", report.Rewritten,
				"failed", report.Failed,
				"fonts", len(report.Fonts))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	f := &pageFlags{}
	cmd := &cobra.Command{
		Use:   "watch <input.html>",
		Short: "Cloak an HTML file again whenever it changes",
		Long: `watch cloaks the input once, then again after every change. Changes
arriving within the rescan debounce window are cloaked in one run. The
output keeps the font of the first run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.out == "" {
				return errRequired("--output")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, cmd, args[0], f)
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) watch(ctx context.Context, cmd *cobra.Command, input string, f *pageFlags) error {
	c, err := a.newCloaker(f.checkFonts)
	if err != nil {
		return err
	}
	in, err := filepath.Abs(input)
	if err != nil {
		return err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()
	if err := fw.Add(filepath.Dir(in)); err != nil {
		return err
	}

	run := func(ctx context.Context) {
		report, err := c.cloakFile(ctx, in, f.out, f.keys, f.skip, cmd.OutOrStdout())
		if err != nil {
			a.logger.Error("Cloaking failed", "input", in, "error", err)
			return
		}
		a.logger.Info("Page cloaked", "input", in, "output", f.out, "rewritten", report.Rewritten, "failed", report.Failed)
	}
	run(ctx)

	rescan := pipeline.NewRescanner(a.cfg.Extract.RescanDebounce, run)
	go rescan.Run(ctx)
	a.logger.Info("Watching for changes", "input", in)

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || name != in {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				rescan.Notify()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			a.logger.Error("Watcher error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}
