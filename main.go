package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/CefBoud/moncontroller/logging"
	"github.com/CefBoud/moncontroller/node"
	"github.com/CefBoud/moncontroller/types"
	"github.com/hashicorp/serf/serf"
	"github.com/spf13/cobra"
)

func main() {
	config := types.Configuration{SerfConfig: serf.DefaultConfig()}
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "moncontroller",
		Short: "MonController is a replicated cluster metadata controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetLogLevel(logLevel)
			n := node.NewNode(&config)

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs
				if err := n.Shutdown(); err != nil {
					log.Error("shutdown error: %v", err)
				}
				os.Exit(0)
			}()

			return n.Startup()
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&config.LogDir, "log-dir", filepath.Join(os.TempDir(), "MonController"), "data directory")
	flags.IntVar(&config.NodeID, "node-id", 1, "unique node id")
	flags.IntVar(&config.Shards, "shards", 0, "number of topic table shards, 0 means one per core")
	flags.BoolVar(&config.Bootstrap, "bootstrap", false, "bootstrap a new raft cluster")
	flags.StringVar(&config.RaftID, "raft-id", "", "raft server id, derived from node id when empty")
	flags.StringVar(&config.RaftAddress, "raft-address", "localhost:12220", "raft bind address")
	flags.StringVar(&config.SerfAddress, "serf-address", "127.0.0.1:13330", "serf bind address")
	flags.StringVar(&config.SerfJoinAddress, "serf-join-address", "", "comma-separated serf addresses to join")
	flags.StringVar(&config.SnapshotCodec, "snapshot-codec", "zstd", "snapshot compression: none, gzip, snappy, lz4 or zstd")
	flags.StringVar(&logLevel, "log-level", log.INFO, "log level: DEBUG, INFO, WARN or ERROR")

	if err := rootCmd.Execute(); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}
