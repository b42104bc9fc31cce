package cli

import (
	"bytes"
	stdcontext "context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tannerhall/childminder/internal/cliutil"
	"github.com/tannerhall/childminder/internal/config"
	"github.com/tannerhall/childminder/internal/logmux"
	"github.com/tannerhall/childminder/internal/metrics"
	"github.com/tannerhall/childminder/internal/pipe"
	"github.com/tannerhall/childminder/internal/subproc"
	"github.com/tannerhall/childminder/internal/watcher"
)

func newRunCmd(ctx *context) *cobra.Command {
	var (
		shellCommand string
		policy       string
		timeout      time.Duration
		workdir      string
		envOverrides []string
		newSession   bool
		format       string
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command under supervision and stream its output",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			if policy == "" {
				policy = cfg.Watcher.Policy
			}
			if format == "" {
				format = cfg.Log.Format
			}

			logger := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: slog.LevelInfo,
			}))

			w, err := watcher.New(policy, logger)
			if err != nil {
				return err
			}
			if err := w.Attach(); err != nil {
				return err
			}
			defer w.Detach()

			if metricsAddr != "" {
				go serveMetrics(metricsAddr, logger)
			}

			spec := subproc.Spec{
				Stdin:         subproc.Inherit,
				Stdout:        subproc.Pipe,
				Stderr:        subproc.Pipe,
				Dir:           workdir,
				NewSession:    newSession,
				HighWatermark: cfg.Pipes.HighWatermark,
				LowWatermark:  cfg.Pipes.LowWatermark,
			}
			switch {
			case shellCommand != "":
				if len(args) > 0 {
					return errors.New("--shell and a command argument list are mutually exclusive")
				}
				spec.Shell = shellCommand
			case len(args) > 0:
				spec.Argv = args
			default:
				return errors.New("no command given; pass one after -- or use --shell")
			}
			if len(envOverrides) > 0 {
				spec.Env = append(os.Environ(), envOverrides...)
			}

			proc, err := subproc.Start(cmd.Context(), w, spec)
			if err != nil {
				return err
			}

			mux := logmux.New(256)
			streamCtx := stdcontext.Background()
			mux.Add(streamEvents(streamCtx, proc.Stdout(), proc.Pid(), logmux.StreamStdout))
			mux.Add(streamEvents(streamCtx, proc.Stderr(), proc.Pid(), logmux.StreamStderr))

			rendered := make(chan struct{})
			go func() {
				defer close(rendered)
				renderEvents(cmd.OutOrStdout(), cmd.ErrOrStderr(), format, mux.Output())
			}()

			waitCtx := cmd.Context()
			var cancel stdcontext.CancelFunc
			if timeout > 0 {
				waitCtx, cancel = stdcontext.WithTimeout(waitCtx, timeout)
				defer cancel()
			}

			status, err := proc.Wait(waitCtx)
			if err != nil {
				status, err = stopAfter(proc, cfg.Stop.GracePeriod.Duration, err, logger)
				if err != nil {
					return err
				}
			}

			mux.Close()
			<-rendered

			switch {
			case status.Signaled():
				return &exitError{code: 128 + status.Signal()}
			case status.Code() != 0:
				return &exitError{code: status.Code()}
			default:
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&shellCommand, "shell", "", "Run a shell command string instead of an argv")
	cmd.Flags().StringVar(&policy, "policy", "", "Watcher policy: safe, fast or completion")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Terminate the child after this duration")
	cmd.Flags().StringVar(&workdir, "cwd", "", "Working directory for the child")
	cmd.Flags().StringArrayVar(&envOverrides, "env", nil, "Additional KEY=VALUE environment entries")
	cmd.Flags().BoolVar(&newSession, "new-session", false, "Start the child in a new session")
	cmd.Flags().StringVar(&format, "format", "", "Output format: auto, json or text")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

// stopAfter escalates once a wait was cancelled: ask first, then force, then
// collect the status that is now guaranteed to arrive.
func stopAfter(proc *subproc.Process, grace time.Duration, cause error, logger *slog.Logger) (subproc.ExitStatus, error) {
	if !errors.Is(cause, stdcontext.DeadlineExceeded) && !errors.Is(cause, stdcontext.Canceled) {
		return 0, cause
	}
	logger.Info("stopping child", "pid", proc.Pid(), "cause", cause.Error())

	if err := proc.Terminate(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return 0, err
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	graceCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), grace)
	defer cancel()
	if status, err := proc.Wait(graceCtx); err == nil {
		return status, nil
	}

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return 0, err
	}
	return proc.Wait(stdcontext.Background())
}

// streamEvents turns a piped endpoint into a channel of line events. The
// channel closes once the stream reaches end of input.
func streamEvents(ctx stdcontext.Context, ep *pipe.Endpoint, pid int, stream string) <-chan logmux.Event {
	if ep == nil {
		return nil
	}
	out := make(chan logmux.Event, 16)
	go func() {
		defer close(out)
		var partial []byte
		for {
			chunk, err := ep.Read(ctx)
			partial = append(partial, chunk...)
			for {
				i := bytes.IndexByte(partial, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(partial[:i]), "\r")
				partial = partial[i+1:]
				out <- logmux.Event{Pid: pid, Stream: stream, Message: line}
			}
			if err != nil {
				if len(partial) > 0 {
					out <- logmux.Event{Pid: pid, Stream: stream, Message: string(partial)}
				}
				return
			}
		}
	}()
	return out
}

func renderEvents(stdout, stderr io.Writer, format string, events <-chan logmux.Event) {
	useJSON := format == config.FormatJSON
	if format == config.FormatAuto || format == "" {
		if f, ok := stdout.(*os.File); ok {
			useJSON = !term.IsTerminal(int(f.Fd()))
		}
	}
	var enc *json.Encoder
	if useJSON {
		enc = json.NewEncoder(stdout)
	}
	for evt := range events {
		if useJSON {
			cliutil.EncodeLogEvent(enc, stderr, evt)
			continue
		}
		io.WriteString(stdout, cliutil.FormatTextEvent(evt)+"\n")
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	handler := http.NewServeMux()
	handler.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, handler); err != nil {
		logger.Error("metrics server failed", "addr", addr, "error", err)
	}
}
