package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"

	"github.com/cuemby/jmtkv/pkg/config"
	"github.com/cuemby/jmtkv/pkg/delta"
	"github.com/cuemby/jmtkv/pkg/kvlog"
	"github.com/cuemby/jmtkv/pkg/kvmetrics"
	"github.com/cuemby/jmtkv/pkg/merkle"
	"github.com/cuemby/jmtkv/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "jmtkv",
	Short:   "jmtkv - versioned, snapshot-isolated key-value storage engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"jmtkv version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (overrides defaults and the flags below)")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Path of the database file (a single bbolt file, not a directory)")
	rootCmd.PersistentFlags().StringSlice("substores", nil, "Substore prefixes to route to, beyond main")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(prefixCmd)
	rootCmd.AddCommand(proofCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveMetricsCmd)
}

func initLogging() {
	cfgPath, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgPath != "" {
		return
	}
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	kvlog.Init(kvlog.Config{
		Level:      kvlog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig resolves the effective configuration: --config wins outright,
// otherwise the persistent flags are layered onto config.Default().
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath != "" {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return config.Config{}, err
		}
		kvlog.Init(cfg.LogConfig())
		return cfg, nil
	}
	cfg := config.Default()
	cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	cfg.Substores, _ = cmd.Flags().GetStringSlice("substores")
	cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	cfg.LogJSON, _ = cmd.Flags().GetBool("log-json")
	return cfg, nil
}

func openStorage(cmd *cobra.Command) (*storage.Storage, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return storage.Load(cfg.DataDir, cfg.Substores)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database file and its column families",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Printf("initialized at version %d\n", st.State().Version())
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a key's value as of the current snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		timer := kvmetrics.NewTimer()
		value, err := st.State().GetRaw([]byte(args[0]))
		timer.ObserveDurationVec(kvmetrics.ReadDuration, "get")
		if err != nil {
			return err
		}
		if value == nil {
			fmt.Println("<not found>")
			return nil
		}
		fmt.Println(string(value))
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Write a key and commit it as a new version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		d := delta.New(st.State())
		d.PutRaw([]byte(args[0]), []byte(args[1]))
		version, err := st.Commit(d)
		if err != nil {
			return err
		}
		fmt.Printf("committed version %d\n", version)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key and commit it as a new version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		d := delta.New(st.State())
		d.Delete([]byte(args[0]))
		version, err := st.Commit(d)
		if err != nil {
			return err
		}
		fmt.Printf("committed version %d\n", version)
		return nil
	},
}

var prefixCmd = &cobra.Command{
	Use:   "prefix <prefix>",
	Short: "List every key under a prefix as of the current snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		var prefix []byte
		if len(args) == 1 {
			prefix = []byte(args[0])
		}

		timer := kvmetrics.NewTimer()
		err = st.State().PrefixRaw(prefix, func(key, value []byte) error {
			fmt.Printf("%s\t%s\n", key, value)
			return nil
		})
		timer.ObserveDurationVec(kvmetrics.ReadDuration, "prefix")
		return err
	},
}

var proofCmd = &cobra.Command{
	Use:   "proof <key>",
	Short: "Print a key's value together with its Merkle proof and root hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		timer := kvmetrics.NewTimer()
		value, proof, root, err := st.State().GetWithProof([]byte(args[0]))
		timer.ObserveDurationVec(kvmetrics.ReadDuration, "get_with_proof")
		if err != nil {
			return err
		}
		verified := merkle.VerifyProof(root, []byte(args[0]), value, proof)
		fmt.Printf("root:     %s\n", hex.EncodeToString(root.Bytes()))
		if value == nil {
			fmt.Println("value:    <not found>")
		} else {
			fmt.Printf("value:    %s\n", string(value))
		}
		fmt.Printf("verified: %v\n", verified)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print each newly published snapshot's version as it commits",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStorage(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		id, ch := st.Subscribe()
		defer st.Unsubscribe(ch)
		fmt.Printf("watching as subscriber %s from version %d, press Ctrl-C to stop\n", id, st.State().Version())
		for snap := range ch {
			fmt.Printf("version %d published\n", snap.Version())
		}
		return nil
	},
}

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve Prometheus metrics over HTTP until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr := cfg.MetricsAddr
		if override, _ := cmd.Flags().GetString("addr"); override != "" {
			addr = override
		}
		st, err := storage.Load(cfg.DataDir, cfg.Substores)
		if err != nil {
			kvmetrics.RegisterComponent("backend", false, err.Error())
			return err
		}
		defer st.Close()
		kvmetrics.RegisterComponent("backend", true, "")
		kvmetrics.RegisterComponent("commit-pipeline", true, "")
		kvmetrics.SetVersion(Version)
		kvmetrics.SnapshotVersion.Set(float64(st.State().Version()))

		mux := http.NewServeMux()
		mux.Handle("/metrics", kvmetrics.Handler())
		mux.Handle("/health", kvmetrics.HealthHandler())
		mux.Handle("/ready", kvmetrics.ReadyHandler())
		mux.Handle("/live", kvmetrics.LivenessHandler())
		kvlog.WithComponent("metrics").Info().Str("addr", addr).Msg("serving metrics")
		return http.ListenAndServe(addr, mux)
	},
}

func init() {
	serveMetricsCmd.Flags().String("addr", "", "Override the config's metricsAddr")
}
