package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bryanwahyu/codeprobe/internal/config"
	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
	"github.com/bryanwahyu/codeprobe/internal/middleware"
)

func newScanCmd(flags *rootFlags) *cobra.Command {
	var minScore int
	cmd := &cobra.Command{
		Use:   "scan <archive.zip>",
		Short: "Run one scan session locally and print its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := middleware.ValidateArchiveName(args[0]); err != nil {
				return err
			}
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			return scanOnce(cmd.Context(), cfg, args[0], minScore, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().IntVar(&minScore, "min-score", 0, "exit non-zero when the score is below this value")
	return cmd
}

func scanOnce(parent context.Context, cfg *config.Config, path string, minScore int, stdout, stderr io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	id, err := a.svc.Submit(ctx, f)
	f.Close()
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		a.svc.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Ctrl-C: tear down containers before leaving
		if _, err := a.svc.Cancel(context.Background(), id); err != nil {
			logger.Warn("cancel scan", "session_id", id, "error", err)
		}
		<-done
	}

	snap, err := a.svc.Get(context.Background(), id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if snap.Phase != domain.PhaseFinished {
		_ = enc.Encode(snap)
		return fmt.Errorf("scan %s ended %s", id, snap.Phase)
	}

	rep, err := a.svc.Report(context.Background(), id)
	if err != nil {
		return err
	}
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if minScore > 0 && rep.Score < minScore {
		return fmt.Errorf("score %d is below --min-score %d", rep.Score, minScore)
	}
	return nil
}
