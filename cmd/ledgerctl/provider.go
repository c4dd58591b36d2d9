package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jmerrifield20/providerledger/pkg/client"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(registerCmd, updateCmd, verifyCmd, suspendCmd,
		reactivateCmd, deactivateCmd, archiveCmd, licenseCmd, restartCmd, correctCmd, invokeCmd)
}

// ── register ─────────────────────────────────────────────────────────────────

var (
	regFile        string
	regID          string
	regDID         string
	regEmail       string
	regFirstName   string
	regLastName    string
	regDOB         string
	regNationality string
	regType        string
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new provider",
	Long: `Register creates a provider in PENDING verification and ACTIVE status.

Fields may come from flags, from a JSON file (--file), or both; flags win:

  ledgerctl register --email ada@example.org --first Ada --last Lovelace --type PHYSICIAN
  ledgerctl register --file provider.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var reg client.Registration
		if regFile != "" {
			if err := readJSONFile(regFile, &reg); err != nil {
				return err
			}
		}
		setIf(&reg.ID, regID)
		setIf(&reg.DID, regDID)
		setIf(&reg.Email, regEmail)
		setIf(&reg.FirstName, regFirstName)
		setIf(&reg.LastName, regLastName)
		setIf(&reg.DateOfBirth, regDOB)
		setIf(&reg.Nationality, regNationality)
		setIf(&reg.ProviderType, strings.ToUpper(regType))

		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.Register(commandContext(cmd), &reg)
		if err != nil {
			return fmt.Errorf("register provider: %w", err)
		}
		fmt.Fprintf(os.Stderr, "✓ Provider registered: %s\n", p.ID)
		return printJSON(p)
	},
}

func init() {
	registerCmd.Flags().StringVar(&regFile, "file", "", "JSON file with the registration")
	registerCmd.Flags().StringVar(&regID, "id", "", "provider id (generated when empty)")
	registerCmd.Flags().StringVar(&regDID, "did", "", "decentralized identifier")
	registerCmd.Flags().StringVar(&regEmail, "email", "", "contact email")
	registerCmd.Flags().StringVar(&regFirstName, "first", "", "first name")
	registerCmd.Flags().StringVar(&regLastName, "last", "", "last name")
	registerCmd.Flags().StringVar(&regDOB, "dob", "", "date of birth (YYYY-MM-DD)")
	registerCmd.Flags().StringVar(&regNationality, "nationality", "", "nationality")
	registerCmd.Flags().StringVar(&regType, "type", "", "provider type (PHYSICIAN, NURSE, ...)")
}

// ── update ───────────────────────────────────────────────────────────────────

var (
	updateSets []string
	updateFile string
)

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Merge changes into a provider record",
	Long: `Update merges a partial record into the provider. Each --set takes
field=value, where value is parsed as JSON when possible and used as a
string otherwise:

  ledgerctl update P1 --set email=new@example.org --set 'specialties=[{"code":"207R00000X"}]'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changes := map[string]any{}
		if updateFile != "" {
			if err := readJSONFile(updateFile, &changes); err != nil {
				return err
			}
		}
		for _, kv := range updateSets {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return fmt.Errorf("--set %q: want field=value", kv)
			}
			changes[k] = parseValue(v)
		}
		if len(changes) == 0 {
			return fmt.Errorf("nothing to update: pass --set or --file")
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.Update(commandContext(cmd), args[0], changes)
		if err != nil {
			return fmt.Errorf("update %s: %w", args[0], err)
		}
		return printJSON(p)
	},
}

func init() {
	updateCmd.Flags().StringArrayVar(&updateSets, "set", nil, "field=value to change (repeatable)")
	updateCmd.Flags().StringVar(&updateFile, "file", "", "JSON file with the changes")
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyNotes    string
	verifyVerifier string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <id> <target-status>",
	Short: "Move a provider's verification status",
	Long: `Verify advances the verification state machine:

  PENDING → IN_PROGRESS → VERIFIED | REJECTED | EXPIRED
  VERIFIED → SUSPENDED | EXPIRED,  SUSPENDED → VERIFIED

REJECTED and EXPIRED are left only through 'ledgerctl restart'.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.Verify(commandContext(cmd), args[0], strings.ToUpper(args[1]), verifyNotes, verifyVerifier)
		if err != nil {
			return fmt.Errorf("verify %s: %w", args[0], err)
		}
		fmt.Fprintf(os.Stderr, "✓ %s is now %s\n", p.ID, p.VerificationStatus)
		return printJSON(p)
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyNotes, "notes", "", "verification notes")
	verifyCmd.Flags().StringVar(&verifyVerifier, "verifier", "", "verifier identity")
}

// ── administrative status ────────────────────────────────────────────────────

var (
	suspendReason string
	statusNote    string
)

var suspendCmd = &cobra.Command{
	Use:   "suspend <id>",
	Short: "Suspend a provider administratively",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.Suspend(commandContext(cmd), args[0], suspendReason)
		if err != nil {
			return fmt.Errorf("suspend %s: %w", args[0], err)
		}
		return printJSON(p)
	},
}

var reactivateCmd = statusCommand("reactivate", "Return a provider to ACTIVE status", (*client.Client).Reactivate)
var deactivateCmd = statusCommand("deactivate", "Move a provider to INACTIVE status", (*client.Client).Deactivate)
var archiveCmd = statusCommand("archive", "Archive a provider; no further writes are accepted", (*client.Client).Archive)

func statusCommand(use, short string, fn func(*client.Client, context.Context, string, string) (*client.Provider, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			p, err := fn(c, commandContext(cmd), args[0], statusNote)
			if err != nil {
				return fmt.Errorf("%s %s: %w", use, args[0], err)
			}
			fmt.Fprintf(os.Stderr, "✓ %s is now %s\n", p.ID, p.Status)
			return printJSON(p)
		},
	}
}

func init() {
	suspendCmd.Flags().StringVar(&suspendReason, "reason", "", "suspension reason")
	for _, c := range []*cobra.Command{reactivateCmd, deactivateCmd, archiveCmd} {
		c.Flags().StringVar(&statusNote, "note", "", "administrative note")
	}
}

// ── license ──────────────────────────────────────────────────────────────────

var licFlags client.License

var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Add or replace provider licenses",
}

var licenseAddCmd = &cobra.Command{
	Use:   "add <provider-id>",
	Short: "Append a license to a provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.AddLicense(commandContext(cmd), args[0], licFlags)
		if err != nil {
			return fmt.Errorf("add license: %w", err)
		}
		return printJSON(p.Licenses)
	},
}

var licenseUpdateCmd = &cobra.Command{
	Use:   "update <provider-id> <license-id>",
	Short: "Replace a license by id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		lic := licFlags
		lic.ID = args[1]
		p, err := c.UpdateLicense(commandContext(cmd), args[0], lic)
		if err != nil {
			return fmt.Errorf("update license: %w", err)
		}
		return printJSON(p.Licenses)
	},
}

func init() {
	for _, c := range []*cobra.Command{licenseAddCmd, licenseUpdateCmd} {
		c.Flags().StringVar(&licFlags.Number, "number", "", "license number")
		c.Flags().StringVar(&licFlags.IssuingAuthority, "authority", "", "issuing authority")
		c.Flags().StringVar(&licFlags.Type, "type", "", "license type")
		c.Flags().StringVar(&licFlags.Jurisdiction, "jurisdiction", "", "jurisdiction")
		c.Flags().StringVar(&licFlags.IssuedDate, "issued", "", "issue date (YYYY-MM-DD)")
		c.Flags().StringVar(&licFlags.ExpiryDate, "expires", "", "expiry date (YYYY-MM-DD)")
		c.Flags().StringVar(&licFlags.Status, "status", "", "license status (ACTIVE, EXPIRED, ...)")
		_ = c.MarkFlagRequired("number")
		_ = c.MarkFlagRequired("authority")
	}
	licenseAddCmd.Flags().StringVar(&licFlags.ID, "id", "", "license id (generated when empty)")
	licenseCmd.AddCommand(licenseAddCmd, licenseUpdateCmd)
}

// ── restart / correct ────────────────────────────────────────────────────────

var restartReason string

var restartCmd = &cobra.Command{
	Use:   "restart <id>",
	Short: "Send a REJECTED or EXPIRED provider back to PENDING",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		p, err := c.RestartVerification(commandContext(cmd), args[0], restartReason)
		if err != nil {
			return fmt.Errorf("restart verification: %w", err)
		}
		return printJSON(p)
	},
}

var correction client.IdentityCorrection

var correctCmd = &cobra.Command{
	Use:   "correct <id>",
	Short: "Correct identity fields with a recorded reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		corr := correction
		corr.ProviderType = strings.ToUpper(corr.ProviderType)
		p, err := c.CorrectIdentity(commandContext(cmd), args[0], corr)
		if err != nil {
			return fmt.Errorf("correct identity: %w", err)
		}
		return printJSON(p)
	},
}

func init() {
	restartCmd.Flags().StringVar(&restartReason, "reason", "", "why verification restarts")
	_ = restartCmd.MarkFlagRequired("reason")

	correctCmd.Flags().StringVar(&correction.FirstName, "first", "", "corrected first name")
	correctCmd.Flags().StringVar(&correction.LastName, "last", "", "corrected last name")
	correctCmd.Flags().StringVar(&correction.DateOfBirth, "dob", "", "corrected date of birth")
	correctCmd.Flags().StringVar(&correction.Nationality, "nationality", "", "corrected nationality")
	correctCmd.Flags().StringVar(&correction.ProviderType, "type", "", "corrected provider type")
	correctCmd.Flags().StringVar(&correction.Reason, "reason", "", "reason for the correction")
	_ = correctCmd.MarkFlagRequired("reason")
}

// ── invoke ───────────────────────────────────────────────────────────────────

var invokeCmd = &cobra.Command{
	Use:   "invoke <operation> [json-args]",
	Short: "Invoke any operation with raw JSON arguments",
	Long: `Invoke sends the operation and its JSON arguments as-is and prints the
full receipt:

  ledgerctl invoke Get '{"id":"P1"}'
  ledgerctl invoke Verify '{"id":"P1","target":"IN_PROGRESS"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload json.RawMessage
		if len(args) == 2 {
			payload = json.RawMessage(args[1])
			if !json.Valid(payload) {
				return fmt.Errorf("arguments are not valid JSON")
			}
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		receipt, err := c.Invoke(commandContext(cmd), args[0], payload, nil)
		if err != nil {
			return err
		}
		return printJSON(receipt)
	},
}

// ── helpers ──────────────────────────────────────────────────────────────────

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func readJSONFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// parseValue decodes v as JSON, falling back to the raw string.
func parseValue(v string) any {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err == nil {
		return out
	}
	return v
}
