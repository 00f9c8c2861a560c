package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caracal-dev/caracal/pkg/config"
	"github.com/caracal-dev/caracal/pkg/mandate"
	"github.com/caracal-dev/caracal/pkg/money"
	"github.com/caracal-dev/caracal/pkg/principal"
)

func runMandateCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal mandate <issue|revoke|list>")
		return 2
	}

	switch args[0] {
	case "issue":
		return runMandateIssue(args[1:], stdout, stderr)
	case "revoke":
		return runMandateRevoke(args[1:], stdout, stderr)
	case "list":
		return runMandateList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown mandate subcommand: %s\n", args[0])
		return 2
	}
}

func openMandates(stderr io.Writer) (*mandate.Manager, int) {
	cfg := config.Load()
	registry, err := principal.NewRegistry(filepath.Join(cfg.DataDir, "principals.json"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: open principal registry: %v\n", err)
		return nil, 2
	}
	mandates, err := mandate.NewManager(filepath.Join(cfg.DataDir, "mandates.json"), registry)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open mandate store: %v\n", err)
		return nil, 2
	}
	return mandates, 0
}

func runMandateIssue(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("mandate issue", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		issuer     string
		subject    string
		operations string
		resources  string
		validity   time.Duration
		depth      int
		limit      string
		currency   string
		category   string
		parent     string
	)
	cmd.StringVar(&issuer, "issuer", "", "Issuing principal ID (REQUIRED)")
	cmd.StringVar(&subject, "subject", "", "Subject principal ID (REQUIRED)")
	cmd.StringVar(&operations, "operations", "call", "Comma-separated allowed operations")
	cmd.StringVar(&resources, "resources", "", "Comma-separated allowed resource patterns (REQUIRED)")
	cmd.DurationVar(&validity, "validity", mandate.DefaultValidity, "Mandate lifetime")
	cmd.IntVar(&depth, "depth", 0, "Maximum delegation depth")
	cmd.StringVar(&limit, "limit", "", "Spending limit, e.g. 100.00")
	cmd.StringVar(&currency, "currency", "USD", "Spending limit currency")
	cmd.StringVar(&category, "category", "", "Budget category")
	cmd.StringVar(&parent, "parent", "", "Parent mandate ID for delegation")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if issuer == "" || subject == "" || resources == "" {
		fmt.Fprintln(stderr, "Error: --issuer, --subject, and --resources are required")
		cmd.Usage()
		return 2
	}

	var spendingLimit decimal.Decimal
	if limit != "" {
		parsed, err := money.ParsePrice(limit)
		if err != nil {
			fmt.Fprintf(stderr, "Error: --limit: %v\n", err)
			return 2
		}
		spendingLimit = parsed
	}

	mandates, code := openMandates(stderr)
	if code != 0 {
		return code
	}

	token, rec, err := mandates.Issue(mandate.IssueRequest{
		IssuerID:           issuer,
		SubjectID:          subject,
		Operations:         splitList(operations),
		Resources:          splitList(resources),
		Validity:           validity,
		MaxDelegationDepth: depth,
		SpendingLimit:      spendingLimit,
		Currency:           currency,
		BudgetCategory:     category,
		ParentMandateID:    parent,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: issue: %v\n", err)
		return 2
	}

	out := map[string]any{
		"mandate_id": rec.ID,
		"expires_at": rec.ExpiresAt,
		"token":      token,
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Fprintln(stdout, string(data))
	return 0
}

func runMandateRevoke(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("mandate revoke", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id      string
		reason  string
		by      string
		cascade bool
	)
	cmd.StringVar(&id, "id", "", "Mandate ID (REQUIRED)")
	cmd.StringVar(&reason, "reason", "", "Revocation reason")
	cmd.StringVar(&by, "by", "", "Revoking principal ID")
	cmd.BoolVar(&cascade, "cascade", true, "Also revoke delegated descendants")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(stderr, "Error: --id is required")
		cmd.Usage()
		return 2
	}

	mandates, code := openMandates(stderr)
	if code != 0 {
		return code
	}

	if err := mandates.Revoke(id, reason, by, cascade); err != nil {
		fmt.Fprintf(stderr, "Error: revoke: %v\n", err)
		return 2
	}
	fmt.Fprintf(stdout, "revoked %s\n", id)
	return 0
}

func runMandateList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("mandate list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	mandates, code := openMandates(stderr)
	if code != 0 {
		return code
	}

	for _, rec := range mandates.ListAll() {
		status := "active"
		if rec.Revoked {
			status = "revoked"
		}
		fmt.Fprintf(stdout, "%s  %s -> %s  [%s]  expires %s\n",
			rec.ID, rec.IssuerID, rec.SubjectID, status, rec.ExpiresAt.Format(time.RFC3339))
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
