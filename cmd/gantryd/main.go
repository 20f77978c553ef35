// Command gantryd is the fleet daemon: `run` joins a host to a project's
// ComponentWatcher fleet against the shared KV store and exposes it over
// an HTTP gateway, while the other actions (getconfig, setconfig, list,
// update, stop, kill) are one-shot operator commands that reach that
// gateway as a RemoteClient rather than embedding a Raft node.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/devtable/gantry/pkg/daemon"
	"github.com/devtable/gantry/pkg/kvstore"
	"github.com/devtable/gantry/pkg/log"
	"github.com/devtable/gantry/pkg/metrics"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gantryd <action> <project> [configFile]",
	Short: "Fleet daemon and operator CLI for a Gantry project",
	Long: `gantryd coordinates one project's components across a fleet of hosts
through a shared Raft-backed key-value store. "run" is the long-lived
daemon action every host starts, exposing the store over an HTTP
gateway; the rest are one-shot operator commands reaching that gateway
to read or write the shared state a "run" process observes.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runGantryd,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", true, "Output logs in JSON format")
	rootCmd.Flags().StringArrayP("component", "c", nil, "Component name(s) to target (update/stop/kill/list); update/stop/kill need at least one, list with none lists all")
	rootCmd.Flags().StringArray("setconfig", nil, "Override a config value: component:dotted.path=value")
	rootCmd.Flags().String("etcd", "", "For run: an existing member's gateway host:port to join through. For other actions: the gateway host:port to talk to (required).")
	rootCmd.Flags().String("node-id", "", "This node's Raft id (run only; defaults to a random id)")
	rootCmd.Flags().String("raft-addr", "127.0.0.1:7946", "Raft bind address (run only)")
	rootCmd.Flags().String("api-addr", "127.0.0.1:7947", "HTTP gateway bind address (run only)")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus /metrics, /health, /ready, /live listener (run only; empty disables it)")
	rootCmd.Flags().String("data-dir", "./gantryd-data", "Local data directory (Raft log, metadata store)")
	rootCmd.Flags().String("socket", "/run/containerd/containerd.sock", "containerd socket path (run only)")
	rootCmd.Flags().Int("workers", 0, "Termination worker pool size (0 = default; run only)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runGantryd(cmd *cobra.Command, args []string) error {
	action, project := args[0], args[1]
	var configFile string
	if len(args) == 3 {
		configFile = args[2]
	}

	if action == "run" {
		return doRun(cmd, project, configFile)
	}
	return doClientAction(cmd, action, project)
}

func doClientAction(cmd *cobra.Command, action, project string) error {
	gatewayAddr, _ := cmd.Flags().GetString("etcd")
	if gatewayAddr == "" {
		return fmt.Errorf("%s requires -etcd host:port naming a running gantryd's gateway", action)
	}
	components, _ := cmd.Flags().GetStringArray("component")

	client := daemon.NewClient(kvstore.NewRemoteClient(gatewayAddr), project)

	switch action {
	case "getconfig":
		cfg, err := client.GetConfig()
		if err != nil {
			return err
		}
		data, err := cfg.MarshalJSONIndent()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil

	case "setconfig":
		overrides, _ := cmd.Flags().GetStringArray("setconfig")
		if len(overrides) == 0 {
			return fmt.Errorf("setconfig requires at least one --setconfig component:path=value")
		}
		for _, override := range overrides {
			name, expr, ok := strings.Cut(override, ":")
			if !ok {
				return fmt.Errorf("invalid --setconfig entry %q: expected component:path=value", override)
			}
			if _, err := client.SetConfig(name, expr); err != nil {
				return fmt.Errorf("apply --setconfig %q: %w", override, err)
			}
		}
		return nil

	case "list":
		rows, err := client.List(components)
		if err != nil {
			return err
		}
		printRows(rows)
		return nil

	case "update":
		return forEachComponent(components, client.Update)

	case "stop":
		return forEachComponent(components, client.Stop)

	case "kill":
		return forEachComponent(components, client.Kill)

	default:
		return fmt.Errorf("unknown action %q: want run|getconfig|setconfig|list|update|stop|kill", action)
	}
}

func forEachComponent(names []string, fn func(string) error) error {
	if len(names) == 0 {
		return fmt.Errorf("this action requires at least one -c componentName")
	}
	for _, name := range names {
		if err := fn(name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func doRun(cmd *cobra.Command, project, configFile string) error {
	if configFile == "" {
		return fmt.Errorf("run requires a configFile argument")
	}
	nodeID, _ := cmd.Flags().GetString("node-id")
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	raftAddr, _ := cmd.Flags().GetString("raft-addr")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	joinGateway, _ := cmd.Flags().GetString("etcd")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	socket, _ := cmd.Flags().GetString("socket")
	workers, _ := cmd.Flags().GetInt("workers")

	// gantryd's own startup-order dependencies: readiness gates on these
	// three independent of whatever gantry components the config declares.
	metrics.SetCriticalComponents([]string{"kvstore", "engine", "proxy"})

	store, err := kvstore.Open(kvstore.Config{NodeID: nodeID, BindAddr: raftAddr, DataDir: dataDir})
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	metrics.RegisterComponent("kvstore", true, "")

	if joinGateway != "" {
		// Ask an existing member's gateway to add us as a voter; its
		// own Bootstrap already formed the cluster.
		peer := kvstore.NewRemoteClient(joinGateway)
		if err := peer.Join(nodeID, raftAddr); err != nil {
			return fmt.Errorf("join cluster via %s: %w", joinGateway, err)
		}
	} else if err := store.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}

	gateway := kvstore.NewServer(store)
	go func() {
		if err := gateway.ListenAndServe(apiAddr); err != nil {
			log.Errorf("kv gateway stopped", err)
		}
	}()

	data, err := os.ReadFile(configFile)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	cfg, err := daemon.LoadConfig(configFile, data)
	if err != nil {
		return err
	}

	client := daemon.NewClient(store, project)
	if _, err := client.GetConfig(); err != nil {
		if err := client.PushConfig(cfg); err != nil {
			return fmt.Errorf("publish initial config: %w", err)
		}
	}

	rm, handles, err := daemon.BuildRuntime(cfg, socket, dataDir, workers)
	if err != nil {
		return err
	}
	metrics.RegisterComponent("engine", true, "")
	metrics.RegisterComponent("proxy", true, "")

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Errorf("metrics listener stopped", err)
			}
		}()
	}

	host := daemon.NewHost(project, nodeID, rm, handles, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return host.Run(ctx)
}

func printRows(rows []daemon.ListRow) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tSTATUS\tIMAGE")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Component, r.Status, r.ImageID)
	}
	w.Flush()
}
