package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	envAPIURL = "AIRLOCK_API_URL"
	envAPIKey = "AIRLOCK_API_KEY"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "task":
		return runTaskNoun(args)
	case "plugin":
		return runPluginNoun(args)
	case "config":
		return runConfigNoun(args)

	case "start":
		return runStart(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

// newFlagSet builds a pflag set that reports errors instead of exiting.
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false
	return fs
}

func parseFlags(fs *pflag.FlagSet, args []string) bool {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return false
	}
	return true
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := newFlagSet("version")
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if !parseFlags(fs, args) {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: airlock version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		return printJSON(info)
	}
	fmt.Printf("airlock %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printJSON(v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `airlock - malware analysis scheduler and plugin runner

Usage:
  airlock <noun> <action> [flags]

System Commands:
  system start       Run the daemon in the foreground
  system status      Check config, state store and PID lock
  system monitor     Live TUI dashboard (needs the API enabled)

Task Commands:
  task submit        Submit a sample for analysis
  task get <id>      Show a task's status and result
  task cancel <id>   Cancel a queued or running task

Plugin Commands:
  plugin list        Show plugins discovered from the configured dirs

Config Commands:
  config check       Validate configuration and checksums
  config lock        Write .checksums for every config file

General:
  version            Show version information
  help               Show this help message

Use 'airlock <noun> help' for resource-specific actions.
`)
}

// --- NOUN DISPATCHERS ---

type action struct {
	run  func([]string) int
	help string
}

func dispatch(noun string, args []string, actions map[string]action, names []string) int {
	usage := func(w io.Writer) {
		fmt.Fprintf(w, "Usage: airlock %s <action>\n", noun)
		fmt.Fprintf(w, "Actions: %s\n", strings.Join(names, ", "))
	}
	if len(args) < 1 {
		usage(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		usage(os.Stdout)
		return 0
	}

	a, ok := actions[args[0]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
		return 1
	}
	if hasHelpFlag(args[1:]) {
		fmt.Println(a.help)
		return 0
	}
	return a.run(args[1:])
}

func runSystemNoun(args []string) int {
	return dispatch("system", args, map[string]action{
		"start":   {runStart, "Usage: airlock system start [--config PATH]\nRun the daemon in the foreground."},
		"status":  {runSystemStatus, "Usage: airlock system status [--config PATH] [--json]\nCheck config, state store and PID lock. Exits 1 if any check fails."},
		"monitor": {runMonitor, "Usage: airlock system monitor [--api-url URL] [--api-key KEY]\nLaunch the live TUI dashboard."},
	}, []string{"start", "status", "monitor"})
}

func runTaskNoun(args []string) int {
	return dispatch("task", args, map[string]action{
		"submit": {runTaskSubmit, "Usage: airlock task submit --sample REF --capability NAME [--platform P] [--arch A] [--priority N] [--param k=v]... [--wait]"},
		"get":    {runTaskGet, "Usage: airlock task get <id> [--json]"},
		"cancel": {runTaskCancel, "Usage: airlock task cancel <id> [--reason TEXT]"},
	}, []string{"submit", "get", "cancel"})
}

func runPluginNoun(args []string) int {
	return dispatch("plugin", args, map[string]action{
		"list": {runPluginList, "Usage: airlock plugin list [--config PATH] [--json]\nList plugins found under the configured plugin dirs."},
	}, []string{"list"})
}

func runConfigNoun(args []string) int {
	return dispatch("config", args, map[string]action{
		"check": {runConfigCheck, "Usage: airlock config check [--config PATH] [--json]\nValidate syntax, settings and checksums."},
		"lock":  {runConfigLock, "Usage: airlock config lock [--config PATH] [--dry-run] [-v]\nRecord BLAKE3 checksums for every config file."},
	}, []string{"check", "lock"})
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}
