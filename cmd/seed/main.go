// cmd/seed populates a running peer with realistic providers for development.
//
// Every provider is registered with a fixed id and then walked through the
// verification workflow, so the ledger ends up with a spread of verification
// and administrative states plus some history per provider.
//
// Running twice is safe: providers that already exist are skipped.
//
// Usage:
//
//	go run ./cmd/seed
//	go run ./cmd/seed --peer http://peer-2:8080
//	LEDGER_PEER=http://peer-2:8080 go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmerrifield20/providerledger/pkg/client"
	"github.com/spf13/cobra"
)

const defaultPeer = "http://localhost:8080"

var (
	peerFlag string
	timeout  time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "seed",
	Short: "Populate a peer with development providers",
	Long: `seed registers a fixed set of providers on a running peer and walks each
through the verification workflow. Providers that already exist are skipped,
so running it twice is safe.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), cmd.OutOrStdout(), peerURL(peerFlag))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&peerFlag, "peer", "", "peer HTTP URL (default $LEDGER_PEER or "+defaultPeer+")")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline for seeding")
}

func peerURL(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("LEDGER_PEER"); v != "" {
		return v
	}
	return defaultPeer
}

func run(parent context.Context, out io.Writer, peer string) error {
	c, err := client.New(peer, client.WithStaleReadRetries(3))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	status, err := c.LedgerStatus(ctx)
	if err != nil {
		return fmt.Errorf("reach peer %s: %w", peer, err)
	}
	fmt.Fprintf(out, "connected to %s (height %d)\n\n", peer, status.Height)

	for _, s := range providers {
		if err := seedProvider(ctx, out, c, s); err != nil {
			return fmt.Errorf("seed %s: %w", s.Registration.ID, err)
		}
	}

	stats, err := c.Statistics(ctx)
	if err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	fmt.Fprintf(out, "\nseed complete: %d providers at height %d\n", stats.Total, stats.Height)
	return nil
}

// step is one write applied after registration.
type step struct {
	verify  string // target verification status
	suspend string // administrative suspension reason
	license *client.License
}

type seedSpec struct {
	Registration client.Registration
	Steps        []step
}

func verifyTo(target string) step { return step{verify: target} }

var providers = []seedSpec{
	{
		Registration: client.Registration{
			ID:           "P-SEED-001",
			Email:        "amara.okafor@stlukes.example.org",
			FirstName:    "Amara",
			LastName:     "Okafor",
			DateOfBirth:  "1979-04-12",
			Nationality:  "NG",
			ProviderType: "PHYSICIAN",
			Specialties:  []client.Specialty{{Code: "207RC0000X", Name: "Cardiovascular Disease", Primary: true}},
			Licenses: []client.License{{
				Number: "MD-448120", Type: "MEDICAL", IssuingAuthority: "State Medical Board",
				Jurisdiction: "CA", IssuedDate: "2008-07-01", ExpiryDate: "2027-06-30", Status: "ACTIVE",
			}},
			EducationHistory: []client.Education{{Institution: "University of Lagos", Degree: "MBBS", GraduationDate: "2003-11-20"}},
			WorkExperience:   []client.WorkExperience{{Organization: "St Luke's Hospital", Role: "Attending Cardiologist", StartDate: "2012-01-09"}},
		},
		Steps: []step{verifyTo(client.VerificationInProgress), verifyTo(client.VerificationVerified)},
	},
	{
		Registration: client.Registration{
			ID:           "P-SEED-002",
			Email:        "j.lindqvist@northside.example.org",
			FirstName:    "Johan",
			LastName:     "Lindqvist",
			DateOfBirth:  "1988-09-30",
			ProviderType: "NURSE",
			Licenses: []client.License{{
				Number: "RN-993021", Type: "NURSING", IssuingAuthority: "Board of Nursing",
				Jurisdiction: "WA", IssuedDate: "2011-05-15", ExpiryDate: "2026-05-14", Status: "ACTIVE",
			}},
		},
		Steps: []step{
			verifyTo(client.VerificationInProgress),
			verifyTo(client.VerificationVerified),
			{license: &client.License{
				Number: "APRN-11872", Type: "ADVANCED_PRACTICE", IssuingAuthority: "Board of Nursing",
				Jurisdiction: "WA", IssuedDate: "2019-02-01", ExpiryDate: "2027-01-31", Status: "ACTIVE",
			}},
		},
	},
	{
		Registration: client.Registration{
			ID:           "P-SEED-003",
			Email:        "priya.raman@brightsmile.example.com",
			FirstName:    "Priya",
			LastName:     "Raman",
			ProviderType: "DENTIST",
			Licenses: []client.License{{
				Number: "DDS-20731", IssuingAuthority: "Dental Board",
				Jurisdiction: "NY", IssuedDate: "2015-08-01", ExpiryDate: "2025-07-31", Status: "EXPIRED",
			}},
		},
		Steps: []step{verifyTo(client.VerificationInProgress), verifyTo(client.VerificationRejected)},
	},
	{
		Registration: client.Registration{
			ID:           "P-SEED-004",
			Email:        "m.haddad@rxcare.example.com",
			FirstName:    "Mariam",
			LastName:     "Haddad",
			ProviderType: "PHARMACIST",
			Licenses: []client.License{{
				Number: "RPH-55019", IssuingAuthority: "Board of Pharmacy",
				Jurisdiction: "TX", IssuedDate: "2016-03-10", ExpiryDate: "2026-03-09", Status: "ACTIVE",
			}},
		},
		Steps: []step{
			verifyTo(client.VerificationInProgress),
			verifyTo(client.VerificationVerified),
			{suspend: "complaint under review"},
		},
	},
	{
		Registration: client.Registration{
			ID:           "P-SEED-005",
			Email:        "tomas.vega@motionpt.example.com",
			FirstName:    "Tomás",
			LastName:     "Vega",
			ProviderType: "THERAPIST",
			Metadata:     map[string]string{"referral": "clinic-network"},
		},
		Steps: []step{verifyTo(client.VerificationInProgress)},
	},
	{
		Registration: client.Registration{
			ID:           "P-SEED-006",
			Email:        "kim.nguyen@imaging.example.com",
			FirstName:    "Kim",
			LastName:     "Nguyen",
			ProviderType: "TECHNICIAN",
		},
		// Left in PENDING.
	},
}

func seedProvider(ctx context.Context, out io.Writer, c *client.Client, s seedSpec) error {
	reg := s.Registration
	p, err := c.Register(ctx, &reg)
	switch {
	case client.CodeOf(err) == client.CodeAlreadyExists:
		fmt.Fprintf(out, "  exists    %-12s  %s %s\n", reg.ID, reg.FirstName, reg.LastName)
		return nil
	case err != nil:
		return fmt.Errorf("register: %w", err)
	}

	for _, st := range s.Steps {
		switch {
		case st.verify != "":
			p, err = c.Verify(ctx, p.ID, st.verify, "seeded", "seed")
		case st.suspend != "":
			p, err = c.Suspend(ctx, p.ID, st.suspend)
		case st.license != nil:
			p, err = c.AddLicense(ctx, p.ID, *st.license)
		}
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "  provider  %-12s  %-22s  %-12s  %-12s  %-10s  licenses:%d\n",
		p.ID, p.FirstName+" "+p.LastName, p.ProviderType, p.VerificationStatus, p.Status, len(p.Licenses))
	return nil
}
