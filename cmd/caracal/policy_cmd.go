package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/caracal-dev/caracal/pkg/budget"
	"github.com/caracal-dev/caracal/pkg/config"
	"github.com/caracal-dev/caracal/pkg/money"
	"github.com/caracal-dev/caracal/pkg/principal"
)

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal policy <create|list|revoke>")
		return 2
	}

	switch args[0] {
	case "create":
		return runPolicyCreate(args[1:], stdout, stderr)
	case "list":
		return runPolicyList(args[1:], stdout, stderr)
	case "revoke":
		return runPolicyRevoke(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown policy subcommand: %s\n", args[0])
		return 2
	}
}

func openPolicies(stderr io.Writer) (*budget.Store, int) {
	cfg := config.Load()
	registry, err := principal.NewRegistry(filepath.Join(cfg.DataDir, "principals.json"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: open principal registry: %v\n", err)
		return nil, 2
	}
	policies, err := budget.NewStore(filepath.Join(cfg.DataDir, "policies.json"), registry)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open policy store: %v\n", err)
		return nil, 2
	}
	return policies, 0
}

func runPolicyCreate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy create", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		principalID   string
		limit         string
		currency      string
		window        string
		windowType    string
		delegatedFrom string
	)
	cmd.StringVar(&principalID, "principal", "", "Principal ID the limit applies to (REQUIRED)")
	cmd.StringVar(&limit, "limit", "", "Spending limit, e.g. 100.00 (REQUIRED)")
	cmd.StringVar(&currency, "currency", "USD", "Limit currency")
	cmd.StringVar(&window, "window", "daily", "Budget window: hourly, daily, weekly, monthly")
	cmd.StringVar(&windowType, "window-type", "rolling", "Window anchoring: rolling or calendar")
	cmd.StringVar(&delegatedFrom, "delegated-from", "", "Parent principal delegating this budget")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if principalID == "" || limit == "" {
		fmt.Fprintln(stderr, "Error: --principal and --limit are required")
		cmd.Usage()
		return 2
	}

	amount, err := money.ParsePrice(limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: --limit: %v\n", err)
		return 2
	}

	policies, code := openPolicies(stderr)
	if code != 0 {
		return code
	}

	policy, err := policies.Create(budget.CreatePolicyRequest{
		PrincipalID:     principalID,
		Limit:           amount,
		Currency:        currency,
		Window:          budget.Window(window),
		WindowType:      budget.WindowType(windowType),
		DelegatedFromID: delegatedFrom,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: create: %v\n", err)
		return 2
	}

	data, _ := json.MarshalIndent(policy, "", "  ")
	fmt.Fprintln(stdout, string(data))
	return 0
}

func runPolicyList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var principalID string
	cmd.StringVar(&principalID, "principal", "", "Principal ID (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if principalID == "" {
		fmt.Fprintln(stderr, "Error: --principal is required")
		cmd.Usage()
		return 2
	}

	policies, code := openPolicies(stderr)
	if code != 0 {
		return code
	}

	for _, p := range policies.GetForPrincipal(principalID) {
		fmt.Fprintf(stdout, "%s  %s %s / %s %s\n", p.ID, p.Limit, p.Currency, p.Window, p.WindowType)
	}
	return 0
}

func runPolicyRevoke(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy revoke", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var id string
	cmd.StringVar(&id, "id", "", "Policy ID (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		fmt.Fprintln(stderr, "Error: --id is required")
		cmd.Usage()
		return 2
	}

	policies, code := openPolicies(stderr)
	if code != 0 {
		return code
	}

	if err := policies.Revoke(id); err != nil {
		fmt.Fprintf(stderr, "Error: revoke: %v\n", err)
		return 2
	}
	fmt.Fprintf(stdout, "revoked %s\n", id)
	return 0
}
