package cli

import (
	"fmt"

	"github.com/harun/flipmentor/internal/config"
	"github.com/harun/flipmentor/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Flipmentor gateway server",
	Long: `Run the gateway server in the foreground. Each session key gets its
own assistant session; idle sessions are swept and every run is recorded in
the run ledger. Edits to the config file are picked up while running.
Stop with Ctrl-C or 'flipmentor stop'.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadValidConfig(cmd)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log,
		daemon.WithConfigPath(config.NewLoader(cfgFile).GetConfigPath()),
		daemon.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Flipmentor gateway listening on %s\n", d.Status().Addr)
	return d.Wait(cmd.Context())
}
