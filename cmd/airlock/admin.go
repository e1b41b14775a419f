package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/airlock/internal/api"
	"github.com/mattjoyce/airlock/internal/config"
	"github.com/mattjoyce/airlock/internal/lock"
	"github.com/mattjoyce/airlock/internal/log"
	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/tui/watch"
)

type statusCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

type statusReport struct {
	Healthy bool          `json:"healthy"`
	Config  string        `json:"config"`
	Checks  []statusCheck `json:"checks"`
}

func runSystemStatus(args []string) int {
	fs := newFlagSet("system status")
	configPath := fs.StringP("config", "c", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Print JSON")
	if !parseFlags(fs, args) {
		return 1
	}

	report := statusReport{Healthy: true}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, statusCheck{Name: name, OK: ok, Detail: detail})
		if !ok {
			report.Healthy = false
		}
	}

	path, err := resolveConfigPath(*configPath)
	report.Config = path
	var cfg *config.Config
	if err == nil {
		cfg, err = config.Load(path)
	}
	if err != nil {
		add("config", false, err.Error())
		return finishStatus(report, *jsonOut)
	}
	add("config", true, fmt.Sprintf("%d file(s)", len(cfg.SourceFiles)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if db, err := openState(ctx, cfg); err != nil {
		add("state", false, err.Error())
	} else {
		_ = db.Close()
		add("state", true, cfg.State.Driver)
	}

	running := false
	switch l, err := lock.AcquirePIDLock(cfg.Service.PIDFile); {
	case err == nil:
		_ = l.Release()
		add("daemon", true, "not running")
	case errors.Is(err, lock.ErrLocked):
		running = true
		add("daemon", true, strings.TrimPrefix(err.Error(), lock.ErrLocked.Error()+" "))
	default:
		add("daemon", false, err.Error())
	}

	if reg, err := plugin.DiscoverMany(cfg.Plugins.Dirs, func(string, string, ...any) {}); err != nil {
		add("plugins", false, err.Error())
	} else {
		add("plugins", reg.Len() > 0, fmt.Sprintf("%d discovered", reg.Len()))
	}

	if running && cfg.API.Enabled {
		var h api.HealthzResponse
		url := "http://" + cfg.API.Listen
		if err := newAPIClient(url, cfg.API.APIKey).do(ctx, http.MethodGet, "/healthz", nil, &h); err != nil {
			add("api", false, err.Error())
		} else {
			add("api", h.Status == "ok", fmt.Sprintf("%s, %d queued, %d in flight", h.Status, h.Queue.Queued, h.Queue.InFlight))
		}
	}

	return finishStatus(report, *jsonOut)
}

func finishStatus(report statusReport, jsonOut bool) int {
	if jsonOut {
		printJSON(report)
	} else {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, c := range report.Checks {
			mark := "ok"
			if !c.OK {
				mark = "FAIL"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, mark, c.Detail)
		}
		_ = tw.Flush()
	}
	if !report.Healthy {
		return 1
	}
	return 0
}

func runMonitor(args []string) int {
	fs := newFlagSet("system monitor")
	url, key := apiFlags(fs)
	if !parseFlags(fs, args) {
		return 1
	}
	if err := watch.Run(*url, *key); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

type pluginEntry struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Type         string   `json:"type"`
	Mode         string   `json:"mode"`
	Transport    string   `json:"transport"`
	Replicas     int      `json:"replicas"`
	Capabilities []string `json:"capabilities"`
	Path         string   `json:"path"`
}

func runPluginList(args []string) int {
	fs := newFlagSet("plugin list")
	configPath := fs.StringP("config", "c", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Print JSON")
	if !parseFlags(fs, args) {
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger := log.WithComponent("discovery")
	reg, err := plugin.DiscoverMany(cfg.Plugins.Dirs, func(level, msg string, args ...any) {
		if level == "warn" || level == "error" {
			logger.Warn(msg, args...)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery failed: %v\n", err)
		return 1
	}

	entries := make([]pluginEntry, 0, reg.Len())
	for _, m := range reg.All() {
		transport := string(m.Transport)
		if transport == "" {
			transport = string(plugin.TransportStdio)
		}
		entries = append(entries, pluginEntry{
			Name:         m.Name,
			Version:      m.Version,
			Type:         string(m.Type),
			Mode:         m.Mode.String(),
			Transport:    transport,
			Replicas:     m.Replicas,
			Capabilities: m.Capabilities.Names(),
			Path:         m.Path,
		})
	}

	if *jsonOut {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No plugins found in", strings.Join(cfg.Plugins.Dirs, ", "))
		return 0
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tTYPE\tMODE\tREPLICAS\tCAPABILITIES")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", e.Name, e.Version, e.Type, e.Mode, e.Replicas, strings.Join(e.Capabilities, ","))
	}
	_ = tw.Flush()
	return 0
}

func runConfigCheck(args []string) int {
	fs := newFlagSet("config check")
	configPath := fs.StringP("config", "c", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Print JSON")
	if !parseFlags(fs, args) {
		return 1
	}

	type result struct {
		Valid  bool     `json:"valid"`
		Files  []string `json:"files,omitempty"`
		Errors []string `json:"errors,omitempty"`
	}

	path, err := resolveConfigPath(*configPath)
	var res result
	var cfg *config.Config
	if err == nil {
		cfg, err = config.Load(path)
	}
	if err != nil {
		res.Errors = strings.Split(err.Error(), "\n")
	} else {
		res.Valid = true
		res.Files = cfg.SourceFiles
	}

	if *jsonOut {
		printJSON(res)
	} else if res.Valid {
		fmt.Printf("Configuration valid (%d file(s))\n", len(res.Files))
		for _, f := range res.Files {
			fmt.Printf("  %s\n", f)
		}
	} else {
		fmt.Fprintln(os.Stderr, "Configuration invalid:")
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", e)
		}
	}
	if !res.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := newFlagSet("config lock")
	configPath := fs.StringP("config", "c", "", "Path to configuration file or directory")
	dryRun := fs.BoolP("dry-run", "n", false, "Show hashes without writing .checksums")
	verbose := fs.BoolP("verbose", "v", false, "Print per-file hashes")
	if !parseFlags(fs, args) {
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	reports, err := config.Lock(path, *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	for _, r := range reports {
		verb := "Wrote"
		if !r.Written {
			verb = "Would write"
		}
		fmt.Printf("%s %s (%d file(s))\n", verb, r.ChecksumPath, len(r.Files))
		if !*verbose {
			continue
		}
		for _, f := range r.Files {
			if !f.Exists {
				fmt.Printf("  %s  (missing)\n", f.Filename)
				continue
			}
			fmt.Printf("  %s  %s\n", f.Hash, f.Filename)
		}
	}
	return 0
}
