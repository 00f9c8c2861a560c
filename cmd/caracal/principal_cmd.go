package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"

	"github.com/caracal-dev/caracal/pkg/config"
	"github.com/caracal-dev/caracal/pkg/principal"
)

func runPrincipalCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: caracal principal <register|list>")
		return 2
	}

	switch args[0] {
	case "register":
		return runPrincipalRegister(args[1:], stdout, stderr)
	case "list":
		return runPrincipalList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown principal subcommand: %s\n", args[0])
		return 2
	}
}

func openRegistry(stderr io.Writer) (*principal.Registry, int) {
	cfg := config.Load()
	registry, err := principal.NewRegistry(filepath.Join(cfg.DataDir, "principals.json"))
	if err != nil {
		fmt.Fprintf(stderr, "Error: open principal registry: %v\n", err)
		return nil, 2
	}
	return registry, 0
}

func runPrincipalRegister(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("principal register", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		name   string
		owner  string
		parent string
		keys   bool
	)
	cmd.StringVar(&name, "name", "", "Principal name (REQUIRED)")
	cmd.StringVar(&owner, "owner", "", "Owning team or person")
	cmd.StringVar(&parent, "parent", "", "Parent principal ID for hierarchies")
	cmd.BoolVar(&keys, "keys", true, "Generate an ES256 key pair")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		fmt.Fprintln(stderr, "Error: --name is required")
		cmd.Usage()
		return 2
	}

	registry, code := openRegistry(stderr)
	if code != 0 {
		return code
	}

	p, err := registry.Register(principal.RegisterRequest{
		Name:         name,
		Owner:        owner,
		ParentID:     parent,
		GenerateKeys: keys,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: register: %v\n", err)
		return 2
	}

	data, _ := json.MarshalIndent(p, "", "  ")
	fmt.Fprintln(stdout, string(data))
	return 0
}

func runPrincipalList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("principal list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	registry, code := openRegistry(stderr)
	if code != 0 {
		return code
	}

	for _, p := range registry.ListAll() {
		line := fmt.Sprintf("%s  %s", p.ID, p.Name)
		if p.ParentID != "" {
			line += fmt.Sprintf("  (parent: %s)", p.ParentID)
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}
