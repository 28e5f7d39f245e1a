// Command koalax-agent runs the Koalax offline agent: a local proxy that keeps
// the admin app shell cached and replays queued changes to the remote API.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-colorable"
	"github.com/spf13/cobra"

	"github.com/koalax/agent/internal/config"
	"github.com/koalax/agent/internal/logging"
)

// Version is set at build time.
var Version = "dev"

// options holds the persistent flags. Flags that were set win over the
// config file and the environment.
type options struct {
	configPath string
	dataDir    string
	listen     string
	logLevel   string
	logFormat  string
}

func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = o.dataDir
	}
	if flags.Changed("listen") {
		cfg.Listen = o.listen
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = o.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) {
	logging.Init(colorable.NewColorable(os.Stderr), logging.ParseLevel(cfg.LogLevel), logging.Format(cfg.LogFormat))
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "koalax-agent",
		Short:         "Offline cache and change replay for the Koalax admin app",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")
	pf.StringVar(&opts.dataDir, "data-dir", "", "directory holding the agent database")
	pf.StringVar(&opts.listen, "listen", "", "address the agent listens on")
	pf.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&opts.logFormat, "log-format", "", "text or json")

	root.AddCommand(
		newServeCmd(opts),
		newChangesCmd(opts),
		newSyncCmd(opts),
		newCacheCmd(opts),
		newPushCmd(),
		newVersionCmd(),
	)
	return root
}

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCmd(os.Stdout).ExecuteContext(ctx)
}

func main() {
	if err := mainImpl(); err != nil && !stderrors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "koalax-agent: %v\n", err)
		os.Exit(1)
	}
}
