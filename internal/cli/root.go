package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tannerhall/childminder/internal/config"
)

// NewRootCmd builds the CLI entrypoint command.
func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	var configFile string

	root := &cobra.Command{
		Use:   "childminder",
		Short: "Supervise child processes without blocking on them",
	}

	root.PersistentFlags().
		StringVarP(&configFile, "config", "c", "", "Path to childminder manifest (optional)")

	ctx := &context{configFile: &configFile}
	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newVersionCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	configFile *string
	cfg        *config.Config
}

func (c *context) loadConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	if c.configFile == nil || *c.configFile == "" {
		c.cfg = config.Default()
		return c.cfg, nil
	}
	cfg, err := config.Load(*c.configFile)
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return c.cfg, nil
}

// exitError carries the supervised child's exit code through cobra without
// printing an error message for it.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
