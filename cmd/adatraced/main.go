package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"common/logging"
	"common/xcmd"

	"github.com/adatrace/tracer-core/agentinit"
	"github.com/adatrace/tracer-core/config"
	"github.com/adatrace/tracer-core/session"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	ConfigPath     string
	TargetPID      int
	SessionLabel   string
	ThreadCapacity uint32
}

var rootCmd = &cobra.Command{
	Use:   "adatraced",
	Short: "Flight recorder daemon: captures and drains a traced process's call events",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.Flags().IntVarP(&cmd.TargetPID, "pid", "p", 0, "PID of the process to trace (required)")
	rootCmd.Flags().StringVarP(&cmd.SessionLabel, "label", "l", "session", "Label used to name this capture's output directory")
	rootCmd.Flags().Uint32Var(&cmd.ThreadCapacity, "thread-capacity", 64, "Maximum number of concurrently traced threads")
	rootCmd.MarkFlagRequired("config")
	rootCmd.MarkFlagRequired("pid")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	logCfg := logging.Config{Level: zap.InfoLevel}
	log, _, err := logging.Init(&logCfg)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	opts, err := config.Load(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sessionID := uint64(time.Now().UnixNano())
	id := agentinit.Identity{HostPID: os.Getpid(), SessionID: sessionID}
	log.Infow("capture session starting",
		"target_pid", cmd.TargetPID,
		"host_pid", id.HostPID,
		"session_id", fmt.Sprintf("%016x", id.SessionID),
		"agent_payload", id.Encode(),
	)

	sess, err := session.Open(opts, opts.OutputDir, cmd.SessionLabel, sessionID, cmd.TargetPID, cmd.ThreadCapacity, session.DefaultSizing(), log)
	if err != nil {
		return fmt.Errorf("failed to open capture session: %w", err)
	}

	go sess.Run()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		if opts.DurationSeconds > 0 {
			return waitDurationOrSignal(ctx, time.Duration(opts.DurationSeconds)*time.Second, log)
		}
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("caught signal", "err", err)
		return err
	})

	runErr := wg.Wait()

	sess.RequestShutdown("capture complete", 0)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	summary, err := sess.Shutdown(shutdownCtx, 5*time.Second)
	if err != nil {
		log.Errorw("shutdown finished with errors", "err", err)
	}
	fmt.Println(summary)

	if runErr != nil && !errors.Is(runErr, xcmd.Interrupted{}) && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// waitDurationOrSignal blocks until dur elapses, a signal arrives, or ctx
// is cancelled by a sibling errgroup member, whichever comes first.
func waitDurationOrSignal(ctx context.Context, dur time.Duration, log *zap.SugaredLogger) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-timer.C:
		log.Infow("recording duration elapsed")
		return nil
	case v := <-ch:
		log.Infow("caught signal", "signal", v)
		return xcmd.Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
