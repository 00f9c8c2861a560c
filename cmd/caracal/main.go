// Command caracal runs the authority-enforcement control plane: the
// proxy gateway plus admin subcommands for principals, mandates and
// budget policies.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "principal":
		return runPrincipalCmd(args[2:], stdout, stderr)
	case "mandate":
		return runMandateCmd(args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "caracal - authority enforcement and budget metering for autonomous agents")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  caracal <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve       Run the gateway (default)")
	fmt.Fprintln(w, "  principal   Manage principals (register/list)")
	fmt.Fprintln(w, "  mandate     Manage mandates (issue/revoke/list)")
	fmt.Fprintln(w, "  policy      Manage budget policies (create/list/revoke)")
	fmt.Fprintln(w, "  help        Show this help")
	fmt.Fprintln(w, "")
}
