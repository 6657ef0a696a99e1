// Command acpbridge connects human-facing collaboration services (Linear,
// Slack, GitHub, Telegram) to ACP-speaking coding agents.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/acp-bridge/internal/config"
	"github.com/basket/acp-bridge/internal/doctor"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "v0.1.0-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                       Run the bridge (webhook + socket ingress)
  %s doctor [-json]        Run diagnostic checks
  %s version               Print the version

ENVIRONMENT VARIABLES:
  BRIDGE_DATA_DIR          Data directory (default: /var/lib/acp-bridge)
  BRIDGE_BIND_ADDR         HTTP bind address (default: :8080)
  ACP_AGENT_COMMAND        Single-agent default binary (claude-code-acp)
  AGENTS_JSON              Multi-agent registry {name: {command, default?}}
  ENABLED_SERVICES         Comma-separated: linear,slack,github,telegram
  GITHUB_REPO              Repository sessions work on (owner/repo)

Service credentials (LINEAR_*, SLACK_*, GITHUB_*, TELEGRAM_*) are read per
adapter; suffix any of them with __<AGENT> to override for one agent.
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "doctor":
			os.Exit(runDoctor(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if err := runBridge(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "acpbridge:", err)
		os.Exit(1)
	}
}

func runDoctor(ctx context.Context, args []string) int {
	asJSON := len(args) > 0 && args[0] == "-json"

	cfg, err := config.Load(os.Environ())
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	diagnosis := doctor.Run(ctx, cfg, Version)
	if asJSON {
		printJSON(diagnosis)
	} else {
		doctor.Render(os.Stdout, diagnosis)
	}
	if !diagnosis.Healthy() {
		return 1
	}
	return 0
}

func isInteractive() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// loadDotEnv sets variables from a .env file without overriding the real
// environment.
func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}

func printJSON(v any) {
	data, err := jsonMarshalIndent(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		return
	}
	fmt.Println(string(data))
}

// shutdownTimeout bounds the orderly teardown on SIGTERM.
const shutdownTimeout = 30 * time.Second
