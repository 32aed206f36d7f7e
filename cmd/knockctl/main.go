// cmd/knockctl/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"knock-pipeline/internal/app"
	"knock-pipeline/internal/config"
	"knock-pipeline/internal/logging"
	"knock-pipeline/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	cleanup()
	if err != nil {
		os.Exit(1)
	}
}

// cli holds what every subcommand needs once config is loaded.
type cli struct {
	configFile string

	cfg    *config.Config
	logger logging.Logger
	orch   *service.Orchestrator
	close  func()
}

// newRootCmd returns the command tree and a func that releases whatever the
// executed subcommand opened.
func newRootCmd() (*cobra.Command, func()) {
	c := &cli{}

	root := &cobra.Command{
		Use:          "knockctl",
		Short:        "Run and inspect persona pipeline jobs against a local or shared store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.configFile, "config", "", "YAML config file (default $KNOCK_CONFIG)")
	pf.String("store", "", "store driver: postgres or sqlite (default $STORE_DRIVER)")
	pf.String("sqlite-path", "", "SQLite database path (default $SQLITE_PATH)")
	pf.String("asset-dir", "", "directory for generated room images (default $ASSET_DIR)")

	root.AddCommand(
		c.runCmd(),
		c.statusCmd(),
		c.retryCmd(),
		c.cancelCmd(),
		c.jobsCmd(),
	)
	return root, func() {
		if c.close != nil {
			c.close()
		}
	}
}

// open loads config and builds an in-process orchestrator. knockctl never
// enqueues, so runs and retries finish before the command returns.
func (c *cli) open(cmd *cobra.Command) error {
	pf := cmd.Root().PersistentFlags()
	cfg, err := config.Load(c.configFile,
		config.BindFlag("store_driver", pf.Lookup("store")),
		config.BindFlag("sqlite_path", pf.Lookup("sqlite-path")),
		config.BindFlag("asset_dir", pf.Lookup("asset-dir")),
	)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logging.NewTo(cmd.ErrOrStderr(), cfg.AppEnv)

	store, closeStore, err := app.OpenStore(cmd.Context(), cfg, &c.logger)
	if err != nil {
		return err
	}
	stages, err := app.NewStages(cfg, &c.logger)
	if err != nil {
		closeStore()
		return err
	}

	c.orch = service.NewOrchestrator(service.OrchestratorOptions{
		Store:  store,
		Stages: stages,
		Logger: &c.logger,
	})
	c.close = func() {
		c.orch.Wait()
		closeStore()
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
