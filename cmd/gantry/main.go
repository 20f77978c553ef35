// Command gantry is the per-host control tool: it drives one component
// of a single config file's components directly against a
// RuntimeManager, with no KV store or cross-host coordination.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/devtable/gantry/pkg/daemon"
	"github.com/devtable/gantry/pkg/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gantry <configFile> <action> [componentName]",
	Short: "Single-host control tool for a Gantry component",
	Long: `gantry drives one component's lifecycle directly against the local
container engine: start, update, list, stop, or kill. It does not talk
to a KV store or coordinate with any other host; that is gantryd's job.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runGantry,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().BoolP("monitor", "m", false, "Keep the process alive running the liveness loop")
	rootCmd.Flags().StringArray("setconfig", nil, "Override a config value: component:dotted.path=value")
	rootCmd.Flags().String("socket", "/run/containerd/containerd.sock", "containerd socket path")
	rootCmd.Flags().String("data-dir", "./gantry-data", "Local metadata directory")
	rootCmd.Flags().Int("workers", 0, "Termination worker pool size (0 = default)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runGantry(cmd *cobra.Command, args []string) error {
	configFile, action := args[0], args[1]
	var componentName string
	if len(args) == 3 {
		componentName = args[2]
	}

	overrides, _ := cmd.Flags().GetStringArray("setconfig")
	socket, _ := cmd.Flags().GetString("socket")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	workers, _ := cmd.Flags().GetInt("workers")
	monitor, _ := cmd.Flags().GetBool("monitor")

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	cfg, err := daemon.LoadConfig(configFile, data)
	if err != nil {
		return err
	}
	for _, override := range overrides {
		name, expr, ok := strings.Cut(override, ":")
		if !ok {
			return fmt.Errorf("invalid --setconfig entry %q: expected component:path=value", override)
		}
		if err := cfg.ApplyOverride(name, expr); err != nil {
			return fmt.Errorf("apply --setconfig %q: %w", override, err)
		}
	}

	rm, handles, err := daemon.BuildRuntime(cfg, socket, dataDir, workers)
	if err != nil {
		return err
	}
	local := daemon.NewLocalFromRuntime(rm, handles)
	defer local.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch action {
	case "start":
		if err := local.Start(ctx, componentName); err != nil {
			return err
		}
	case "update":
		if err := local.Update(ctx, componentName); err != nil {
			return err
		}
	case "stop":
		if err := local.Stop(ctx, componentName); err != nil {
			return err
		}
	case "kill":
		if err := local.Kill(ctx, componentName); err != nil {
			return err
		}
	case "list":
		rows, err := local.List(ctx, componentName)
		if err != nil {
			return err
		}
		printRows(rows)
		return nil
	default:
		return fmt.Errorf("unknown action %q: want start|update|list|stop|kill", action)
	}

	if monitor {
		if componentName == "" {
			return fmt.Errorf("-m requires a componentName")
		}
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() { errCh <- local.Monitor(ctx, componentName) }()

		select {
		case <-sigCh:
		case err := <-errCh:
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func printRows(rows []daemon.ListRow) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tCONTAINER\tSTATUS\tIMAGE")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Component, r.ContainerID, r.Status, r.ImageID)
	}
	w.Flush()
}
