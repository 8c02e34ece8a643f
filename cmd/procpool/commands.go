package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/procpool/internal/config"
	"github.com/mattjoyce/procpool/internal/doctor"
	"github.com/mattjoyce/procpool/internal/storage"
	"github.com/mattjoyce/procpool/internal/telemetry"
	"github.com/mattjoyce/procpool/internal/tui/watch"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: procpool config check [--config PATH] [--json] [--strict]")
			fmt.Println("Load, verify checksums, validate configuration and check commands resolve.")
			fmt.Println("Exit code 2 with --strict means warnings only.")
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: procpool config lock [--config PATH] [-v|--verbose] [--dry-run]")
			fmt.Println("Authorize the current configuration by regenerating .checksums manifests.")
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: procpool config <check|lock> [flags]")
}

type groupSummary struct {
	Name      string         `json:"name"`
	Queue     string         `json:"queue"`
	Command   string         `json:"command"`
	Units     int            `json:"units"`
	MaxHops   int            `json:"max_hops"`
	SubGroups []groupSummary `json:"sub_groups,omitempty"`
}

type checkReport struct {
	Valid    bool           `json:"valid"`
	Error    string         `json:"error,omitempty"`
	Broker   string         `json:"broker,omitempty"`
	Files    []string       `json:"files,omitempty"`
	Groups   []groupSummary `json:"groups,omitempty"`
	Errors   []doctor.Issue `json:"errors,omitempty"`
	Warnings []doctor.Issue `json:"warnings,omitempty"`
}

func summarizeGroups(groups []config.GroupConfig) []groupSummary {
	out := make([]groupSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupSummary{
			Name:      g.Name,
			Queue:     g.Queue,
			Command:   g.Command,
			Units:     g.Units,
			MaxHops:   g.HopLimit(),
			SubGroups: summarizeGroups(g.SubGroups),
		})
	}
	return out
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report := checkReport{Valid: true}
	var result *doctor.Result
	cfg, err := config.Load(resolveConfigFlag(*configPath))
	if err != nil {
		report.Valid = false
		report.Error = err.Error()
	} else {
		result = doctor.New(cfg).Validate()
		report.Valid = result.Valid
		report.Errors = result.Errors
		report.Warnings = result.Warnings
		report.Broker = cfg.Broker.Type
		report.Files = cfg.SourceFiles
		report.Groups = summarizeGroups(cfg.Groups)
	}

	switch {
	case *jsonOut:
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	case result == nil:
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", report.Error)
	default:
		fmt.Print(doctor.FormatHuman(result))
		fmt.Printf("Broker: %s\n", report.Broker)
		printGroups(report.Groups, 1)
	}

	if !report.Valid {
		return 1
	}
	if *strict && len(report.Warnings) > 0 {
		return 2
	}
	return 0
}

func printGroups(groups []groupSummary, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, g := range groups {
		fmt.Printf("%s%s: queue=%s units=%d max_hops=%d command=%s\n",
			indent, g.Name, g.Queue, g.Units, g.MaxHops, g.Command)
		printGroups(g.SubGroups, depth+1)
	}
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	report, err := config.Lock(resolveConfigFlag(configPath), dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose || verboseShort {
		for _, f := range report.Files {
			fmt.Printf("  HASH %s %s\n", f.Hash[:16], f.Path)
		}
		for _, m := range report.Manifests {
			fmt.Printf("  WROTE %s\n", m)
		}
	}
	if dryRun {
		fmt.Printf("Dry run: %d file(s) hashed, nothing written\n", len(report.Files))
		return 0
	}
	fmt.Printf("Locked %d file(s) in %d manifest(s)\n", len(report.Files), len(report.Manifests))
	return 0
}

func runJournalNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: procpool journal tail [--config PATH | --db PATH] [--group NAME] [--outcome OUTCOME] [--limit N] [--json]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "tail":
		return runJournalTail(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown journal action: %s\n", args[0])
		return 1
	}
}

func runJournalTail(args []string) int {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration (journal.path is used)")
	dbPath := fs.String("db", "", "Path to the journal database")
	group := fs.String("group", "", "Only tasks from this group")
	outcome := fs.String("outcome", "", "Only tasks with this outcome")
	limit := fs.Int("limit", 20, "Maximum rows")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path := *dbPath
	if path == "" {
		cfg, err := config.Load(resolveConfigFlag(*configPath))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		path = cfg.Journal.Path
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Journal not found: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		return 1
	}
	defer db.Close()

	tasks, err := storage.Tail(ctx, db, storage.TailFilter{
		Group:   *group,
		Outcome: telemetry.Outcome(*outcome),
		Limit:   *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}

	if *jsonOut {
		if tasks == nil {
			tasks = []telemetry.Task{}
		}
		data, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tGROUP\tUNIT\tOUTCOME\tELAPSED\tCORRELATION\tDETAIL")
	for _, t := range tasks {
		detail := t.Error
		if detail == "" {
			detail = t.ReplyTarget
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.At.Local().Format(time.DateTime), t.Group, t.UnitID, t.Outcome,
			t.Elapsed.Round(time.Millisecond), t.CorrelationID, detail)
	}
	_ = tw.Flush()
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://127.0.0.1:8081", "Status API URL")
	apiKey := fs.String("api-key", os.Getenv("PROCPOOL_API_KEY"), "API bearer key")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
