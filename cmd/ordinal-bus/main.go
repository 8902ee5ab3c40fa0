package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ordinal-bus/internal/app"
	"ordinal-bus/internal/config"
	"ordinal-bus/internal/usecase"
)

// errTimedOut makes `ask` exit with status 2 when the oracle stays silent.
var errTimedOut = errors.New("oracle call timed out")

// reported wraps an error the command has already explained on stdout, so
// only the exit status is left to set.
type reported struct{ err error }

func (r reported) Error() string { return r.err.Error() }
func (r reported) Unwrap() error { return r.err }

// cli carries state shared by every subcommand once the root pre-run has
// resolved configuration.
type cli struct {
	busDir    string
	storeKind string
	table     string
	responder string
	logLevel  string

	cfg    *config.Config
	logger *slog.Logger
	store  usecase.Store
	svc    *usecase.OracleService
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, newRootCmd())
	stop()
	os.Exit(code)
}

// run executes root and maps its error to an exit status.
func run(ctx context.Context, root *cobra.Command) int {
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if !errors.As(err, new(reported)) {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	if errors.Is(err, errTimedOut) {
		return 2
	}
	return 1
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "ordinal-bus",
		Short: "File-backed request/response bus between agents and a human oracle",
		Long: `ordinal-bus routes questions from an orchestrator to a higher-ordinal oracle.

The caller blocks until an answer arrives or the call times out. Callers and
responders share nothing but the bus store, so they may run in different
processes or on different machines.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}
	root.PersistentFlags().StringVar(&c.busDir, "bus-dir", "", "Bus directory (overrides ORDINAL_BUS_DIR)")
	root.PersistentFlags().StringVar(&c.storeKind, "store", "", "Store backend: file, dynamodb or memory (overrides ORDINAL_STORE)")
	root.PersistentFlags().StringVar(&c.table, "table", "", "DynamoDB table (overrides ORDINAL_TABLE)")
	root.PersistentFlags().StringVar(&c.responder, "responder", "", "Identity recorded on answers (overrides ORDINAL_RESPONDER)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")

	root.AddCommand(
		c.newServeCmd(),
		c.newAskCmd(),
		c.newRespondCmd(),
		c.newStatusCmd(),
		c.newPendingCmd(),
		c.newHistoryCmd(),
		c.newArchiveCmd(),
		c.newSweepCmd(),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("bus-dir") {
		cfg.BusDir = c.busDir
	}
	if flags.Changed("store") {
		cfg.Store = c.storeKind
	}
	if flags.Changed("table") {
		cfg.Table = c.table
	}
	if flags.Changed("responder") {
		cfg.Responder = c.responder
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	switch cfg.Store {
	case config.StoreFile, config.StoreDynamoDB, config.StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}
	if cfg.Store == config.StoreDynamoDB && cfg.Table == "" {
		return errors.New("--table or ORDINAL_TABLE is required for the dynamodb store")
	}

	// stdout belongs to command output and, under serve, the MCP stream.
	c.cfg = cfg
	c.logger = cfg.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(c.logger)

	w, err := app.New(cfg, c.logger)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	c.store, err = w.Store(ctx)
	if err != nil {
		c.logger.Error("failed to open bus store", "store", cfg.Store, "err", err)
		return err
	}
	c.svc, err = w.Service(ctx, c.store)
	if err != nil {
		c.logger.Error("failed to create oracle service", "err", err)
		return err
	}
	return nil
}

func (c *cli) newSweeper(grace time.Duration) (*usecase.Sweeper, error) {
	return usecase.NewSweeper(c.store, grace, c.logger)
}
