package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/jmerrifield20/providerledger/pkg/client"
	"github.com/spf13/cobra"
)

var outputFormat string

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "output format for read commands: text or json")
	rootCmd.AddCommand(getCmd, searchCmd, historyCmd, statsCmd, ledgerCmd)
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show the current value of a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.Get(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("get %s: %w", args[0], err)
		}
		if outputFormat == "json" {
			return printJSON(p)
		}
		printProvider(p)
		return nil
	},
}

func printProvider(p *client.Provider) {
	fmt.Printf("ID:           %s\n", p.ID)
	if p.DID != "" {
		fmt.Printf("DID:          %s\n", p.DID)
	}
	fmt.Printf("Name:         %s %s\n", p.FirstName, p.LastName)
	fmt.Printf("Email:        %s\n", p.Email)
	fmt.Printf("Type:         %s\n", p.ProviderType)
	fmt.Printf("Verification: %s\n", p.VerificationStatus)
	fmt.Printf("Status:       %s\n", p.Status)
	fmt.Printf("Updated:      %s\n", p.UpdatedAt.Format("2006-01-02 15:04:05Z07:00"))

	if len(p.Licenses) > 0 {
		fmt.Println("\nLicenses:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  ID\tNUMBER\tAUTHORITY\tEXPIRES\tSTATUS")
		for _, l := range p.Licenses {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", l.ID, l.Number, l.IssuingAuthority, l.ExpiryDate, l.Status)
		}
		_ = w.Flush()
	}
	if len(p.Metadata) > 0 {
		fmt.Println("\nMetadata:")
		keys := make([]string, 0, len(p.Metadata))
		for k := range p.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", k, p.Metadata[k])
		}
	}
}

// ── search ───────────────────────────────────────────────────────────────────

var (
	searchSelector     string
	searchVerification string
	searchType         string
	searchStatus       string
	searchLimit        int
	searchOffset       int
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find providers matching a selector",
	Long: `Search evaluates a selector against the peer's index. Pass a full JSON
selector with --selector, or combine the shorthand filters:

  ledgerctl search --verification VERIFIED --type NURSE
  ledgerctl search --selector '{"field":"licenses.expiryDate","op":"lt","value":"2027-01-01"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sel, err := buildSelector()
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		res, err := c.Search(commandContext(cmd), sel, searchLimit, searchOffset)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(res)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tVERIFICATION\tSTATUS")
		for _, p := range res.Providers {
			fmt.Fprintf(w, "%s\t%s %s\t%s\t%s\t%s\n",
				p.ID, p.FirstName, p.LastName, p.ProviderType, p.VerificationStatus, p.Status)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d of %d (offset %d, height %d)\n", len(res.Providers), res.Total, res.Offset, res.Height)
		return nil
	},
}

func buildSelector() (*client.Selector, error) {
	var leaves []*client.Selector
	if searchSelector != "" {
		var s client.Selector
		if err := json.Unmarshal([]byte(searchSelector), &s); err != nil {
			return nil, fmt.Errorf("--selector: %w", err)
		}
		leaves = append(leaves, &s)
	}
	if searchVerification != "" {
		leaves = append(leaves, client.Eq("verificationStatus", strings.ToUpper(searchVerification)))
	}
	if searchType != "" {
		leaves = append(leaves, client.Eq("providerType", strings.ToUpper(searchType)))
	}
	if searchStatus != "" {
		leaves = append(leaves, client.Eq("status", strings.ToUpper(searchStatus)))
	}
	switch len(leaves) {
	case 0:
		return nil, nil
	case 1:
		return leaves[0], nil
	}
	return client.And(leaves...), nil
}

func init() {
	searchCmd.Flags().StringVar(&searchSelector, "selector", "", "JSON selector")
	searchCmd.Flags().StringVar(&searchVerification, "verification", "", "filter by verification status")
	searchCmd.Flags().StringVar(&searchType, "type", "", "filter by provider type")
	searchCmd.Flags().StringVar(&searchStatus, "status", "", "filter by administrative status")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 50, "page size")
	searchCmd.Flags().IntVar(&searchOffset, "offset", 0, "page offset")
}

// ── history ──────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "List every committed version of a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.History(commandContext(cmd), args[0])
		if err != nil {
			return fmt.Errorf("history %s: %w", args[0], err)
		}
		if outputFormat == "json" {
			return printJSON(entries)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tBLOCK\tTIMESTAMP\tVERIFICATION\tSTATUS\tTX")
		for _, e := range entries {
			verification, status := "-", "-"
			if p, err := e.Provider(); err == nil {
				verification, status = p.VerificationStatus, p.Status
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
				e.Version, e.BlockHeight, e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
				verification, status, e.TxID)
		}
		return w.Flush()
	},
}

// ── stats ────────────────────────────────────────────────────────────────────

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show provider counts by status and type",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		stats, err := c.Statistics(commandContext(cmd))
		if err != nil {
			return fmt.Errorf("statistics: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(stats)
		}

		fmt.Printf("Total providers: %d (height %d)\n", stats.Total, stats.Height)
		printCounts("Verification", stats.ByVerificationStatus)
		printCounts("Provider type", stats.ByProviderType)
		printCounts("Status", stats.ByStatus)
		return nil
	},
}

func printCounts(title string, counts map[string]int) {
	fmt.Printf("\n%s:\n", title)
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t%d\n", k, counts[k])
	}
	_ = w.Flush()
}

// ── ledger ───────────────────────────────────────────────────────────────────

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the peer's block height and history chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		st, err := c.LedgerStatus(commandContext(cmd))
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(st)
		}
		fmt.Printf("Height:          %d\n", st.Height)
		fmt.Printf("Projected:       %d\n", st.ProjectedHeight)
		if st.LastBlockHash != "" {
			fmt.Printf("Last block:      %s\n", st.LastBlockHash)
		}
		fmt.Printf("History entries: %d\n", st.HistoryEntries)
		fmt.Printf("History root:    %s\n", st.HistoryRoot)
		return nil
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Walk the history hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		report, err := c.VerifyLedger(commandContext(cmd))
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			if err := printJSON(report); err != nil {
				return err
			}
		} else if report.Valid {
			fmt.Printf("✓ history chain valid (%d entries, root %s)\n", report.Entries, report.Root)
		}
		if !report.Valid {
			return fmt.Errorf("history chain invalid: %s", report.Error)
		}
		return nil
	},
}

var ledgerEntryCmd = &cobra.Command{
	Use:   "entry <index>",
	Short: "Show one history entry by global index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[0])
		if err != nil || idx < 0 {
			return fmt.Errorf("index must be a non-negative integer")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		e, err := c.LedgerEntry(commandContext(cmd), idx)
		if err != nil {
			return err
		}
		return printJSON(e)
	},
}

func init() {
	ledgerCmd.AddCommand(ledgerVerifyCmd, ledgerEntryCmd)
}
