// ledger-mcp-bridge exposes read-only provider-ledger queries as MCP tools,
// so any MCP-compatible AI host can look up providers, their history and the
// integrity of a peer's history chain.
//
// Add to an MCP host config:
//
//	{
//	  "mcpServers": {
//	    "provider-ledger": {
//	      "command": "/path/to/ledger-mcp-bridge",
//	      "args": ["--peer", "http://localhost:8080"]
//	    }
//	  }
//	}
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jmerrifield20/providerledger/internal/mcpbridge"
	"github.com/jmerrifield20/providerledger/pkg/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	peerURL    string
	timeoutSec int
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledger-mcp-bridge",
	Short: "MCP bridge for the provider ledger",
	Long: `ledger-mcp-bridge is a stdio MCP server that exposes five read-only
provider-ledger tools to any MCP-compatible AI host:

  get_provider       fetch a provider's committed record
  search_providers   filter providers by status, type or a full selector
  provider_history   list every committed version of a provider
  ledger_statistics  count providers by status and type
  verify_ledger      check the peer's history hash chain

The bridge never submits transactions. All logging goes to stderr so it
does not interfere with the protocol.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&peerURL, "peer", "http://localhost:8080", "Ledger peer HTTP URL")
	rootCmd.Flags().IntVar(&timeoutSec, "timeout", 30, "Per-request timeout in seconds")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Log at debug level")
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func run(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	c, err := client.New(peerURL, client.WithTimeout(time.Duration(timeoutSec)*time.Second))
	if err != nil {
		return fmt.Errorf("create ledger client: %w", err)
	}

	tools := mcpbridge.NewToolRegistry(c)
	server := mcpbridge.NewServer(os.Stdout, tools, logger)

	logger.Info("ledger MCP bridge ready", zap.String("peer", peerURL), zap.String("version", mcpbridge.Version))
	return server.Serve(cmd.Context(), os.Stdin)
}
