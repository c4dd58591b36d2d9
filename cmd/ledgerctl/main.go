package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmerrifield20/providerledger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	peerURL      string
	cfgFile      string
	timeout      time.Duration
	staleRetries int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Provider ledger CLI",
	Long: `ledgerctl submits transactions to and queries a provider-ledger peer.

Write commands return once the transaction is committed and print the
committed provider record. Read commands are answered by the peer without
ordering.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		v := viper.New()
		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			v.AddConfigPath(filepath.Join(home, ".ledgerctl"))
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
		v.SetEnvPrefix("LEDGERCTL")
		v.AutomaticEnv()
		_ = v.ReadInConfig()

		if peerURL == "" {
			peerURL = v.GetString("peer_url")
		}
		if peerURL == "" {
			peerURL = "http://localhost:8080"
		}
		if !cmd.Flags().Changed("stale-retries") && v.IsSet("stale_retries") {
			staleRetries = v.GetInt("stale_retries")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.ledgerctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&peerURL, "peer", "", "ledger peer URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().IntVar(&staleRetries, "stale-retries", 2, "resubmit a write this many times on StaleRead")

	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	return client.New(peerURL,
		client.WithTimeout(timeout),
		client.WithStaleReadRetries(staleRetries),
	)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}
