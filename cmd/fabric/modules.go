package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/streamfabric/fabric/internal/config"
	"github.com/streamfabric/fabric/internal/modules"
)

// buildModulesCmd creates the "modules" command group.
func buildModulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "Inspect producer modules",
	}
	cmd.AddCommand(buildModulesListCmd())
	return cmd
}

// buildModulesListCmd creates "modules list", which loads the configured
// module directory and prints each discovered module's id, status, and
// stream count without starting the broker or engine run loops.
func buildModulesListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Load and list the modules in the configured module directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			result, err := modules.NewLoader(nil).Load(cfg.Engine.ModuleDir)
			if err != nil {
				return fmt.Errorf("load modules: %w", err)
			}

			out := cmd.OutOrStdout()
			for id, h := range result.Loaded {
				snap := h.Snapshot()
				fmt.Fprintf(out, "%s\tstatus=%s\tstreams=%d\tsource=%s\n", id, snap.Status, len(snap.Streams), h.Source)
			}
			for name, loadErr := range result.Failed {
				fmt.Fprintf(out, "%s\tFAILED\t%v\n", name, loadErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./fabric.yaml", "Path to YAML configuration file")
	return cmd
}
