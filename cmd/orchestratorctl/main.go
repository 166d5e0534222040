// Command orchestratorctl is a thin Control API client, the same
// flag-driven-subcommand-over-HTTP shape as the teacher's cmd/slctl.
//
// Usage:
//
//	orchestratorctl submit-job <workflow_id> [--priority N] [--vars JSON]
//	orchestratorctl get-job <job_id>
//	orchestratorctl cancel-job <job_id> [reason]
//	orchestratorctl list-jobs [--status STATUS] [--limit N]
//	orchestratorctl list-robots [--status STATUS]
//	orchestratorctl read-audit-range <start_id> <end_id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("ORCHESTRATOR_ADDR", "http://localhost:8080")
	defaultAPIKey := os.Getenv("ORCHESTRATOR_API_KEY")
	defaultTenant := os.Getenv("ORCHESTRATOR_TENANT_ID")

	root := flag.NewFlagSet("orchestratorctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "control API base URL (env ORCHESTRATOR_ADDR)")
	apiKeyFlag := root.String("api-key", defaultAPIKey, "API key credential (env ORCHESTRATOR_API_KEY)")
	tenantFlag := root.String("tenant", defaultTenant, "tenant id (env ORCHESTRATOR_TENANT_ID)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		apiKey:  strings.TrimSpace(*apiKeyFlag),
		tenant:  strings.TrimSpace(*tenantFlag),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "submit-job":
		return cmdSubmitJob(ctx, client, remaining[1:])
	case "get-job":
		return cmdGetJob(ctx, client, remaining[1:])
	case "cancel-job":
		return cmdCancelJob(ctx, client, remaining[1:])
	case "list-jobs":
		return cmdListJobs(ctx, client, remaining[1:])
	case "list-robots":
		return cmdListRobots(ctx, client, remaining[1:])
	case "read-audit-range":
		return cmdReadAuditRange(ctx, client, remaining[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command: %s", remaining[0]))
	}
}

func usageError(err error) error {
	printUsage()
	return err
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `orchestratorctl - Control API client

Usage:
  orchestratorctl <command> [arguments]

Commands:
  submit-job <workflow_id> [--priority N] [--vars JSON]
  get-job <job_id>
  cancel-job <job_id> [reason]
  list-jobs [--status STATUS] [--limit N]
  list-robots [--status STATUS]
  read-audit-range <start_id> <end_id>`)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
