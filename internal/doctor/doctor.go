// Package doctor checks a loaded procpool configuration against the host it
// will run on. Struct-level validation happens in config; doctor looks for
// things that only fail at runtime, and for settings that are legal but risky.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/procpool/internal/config"
	"github.com/mattjoyce/procpool/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration.
type Doctor struct {
	cfg          *config.Config
	lookPath     func(string) (string, error)
	checkJournal func(string) error
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, checkJournal: storage.CheckJournalPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateCommands(r)
	d.validateListeners(r)
	d.validateJournal(r)
	d.warnOpenAPI(r)
	d.warnUnboundedGroups(r)
	d.warnSharedQueues(r)
	d.warnOrphanWebhooks(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateCommands checks every group's command resolves and its dir exists.
func (d *Doctor) validateCommands(r *Result) {
	for _, g := range d.cfg.AllGroups() {
		field := fmt.Sprintf("groups.%s", g.Name)

		if g.Dir != "" {
			if info, err := os.Stat(g.Dir); err != nil || !info.IsDir() {
				d.addError(r, "group", field+".dir", fmt.Sprintf("working directory %q does not exist", g.Dir))
				continue
			}
		}

		cmd := g.Command
		if !strings.ContainsRune(cmd, filepath.Separator) {
			if _, err := d.lookPath(cmd); err != nil {
				d.addError(r, "group", field+".command", fmt.Sprintf("command %q not found on PATH", cmd))
			}
			continue
		}

		if !filepath.IsAbs(cmd) && g.Dir != "" {
			cmd = filepath.Join(g.Dir, cmd)
		}
		info, err := os.Stat(cmd)
		switch {
		case err != nil:
			d.addError(r, "group", field+".command", fmt.Sprintf("command %q does not exist", g.Command))
		case info.IsDir():
			d.addError(r, "group", field+".command", fmt.Sprintf("command %q is a directory", g.Command))
		case info.Mode()&0o111 == 0:
			d.addError(r, "group", field+".command", fmt.Sprintf("command %q is not executable", g.Command))
		}
	}
}

// validateListeners rejects the API and webhook server sharing an address.
func (d *Doctor) validateListeners(r *Result) {
	if !d.cfg.API.Enabled || len(d.cfg.Webhooks.Endpoints) == 0 {
		return
	}
	if d.cfg.API.Listen == d.cfg.Webhooks.Listen {
		d.addError(r, "listen", "webhooks.listen",
			fmt.Sprintf("webhooks and api both listen on %s", d.cfg.API.Listen))
	}
}

func (d *Doctor) validateJournal(r *Result) {
	if !d.cfg.Journal.Enabled {
		return
	}
	if err := d.checkJournal(d.cfg.Journal.Path); err != nil {
		d.addError(r, "journal", "journal.path", err.Error())
	}
}

func (d *Doctor) warnOpenAPI(r *Result) {
	if d.cfg.API.Enabled && d.cfg.API.APIKey == "" && len(d.cfg.API.Tokens) == 0 {
		d.addWarning(r, "api", "api.api_key", "no api_key or tokens; every endpoint is unauthenticated")
	}
}

func (d *Doctor) warnUnboundedGroups(r *Result) {
	for _, g := range d.cfg.AllGroups() {
		field := fmt.Sprintf("groups.%s", g.Name)
		if g.HopLimit() == 0 {
			d.addWarning(r, "group", field+".max_hops",
				"hop guard disabled; a worker that keeps replying to its own queue never stops")
		}
		if g.TaskTimeout == 0 {
			d.addWarning(r, "group", field+".task_timeout",
				"no task timeout; a hung worker holds its unit until it is killed")
			if d.cfg.Broker.Type == "redis" {
				d.addWarning(r, "broker", "broker.redis.claim_idle",
					fmt.Sprintf("group %s has no task timeout; tasks running longer than broker.redis.claim_idle (%s) are claimed by another consumer while still in flight",
						g.Name, d.cfg.Broker.Redis.ClaimIdle))
			}
		}
	}
}

func (d *Doctor) warnSharedQueues(r *Result) {
	consumers := make(map[string][]string)
	for _, g := range d.cfg.AllGroups() {
		consumers[g.Queue] = append(consumers[g.Queue], g.Name)
	}
	for _, g := range d.cfg.AllGroups() {
		names := consumers[g.Queue]
		if len(names) > 1 && names[0] == g.Name {
			d.addWarning(r, "group", "groups."+g.Name+".queue",
				fmt.Sprintf("queue %q is consumed by several groups (%s); tasks are split between them",
					g.Queue, strings.Join(names, ", ")))
		}
	}
}

func (d *Doctor) warnOrphanWebhooks(r *Result) {
	consumed := make(map[string]bool)
	for _, g := range d.cfg.AllGroups() {
		consumed[g.Queue] = true
	}
	for i, ep := range d.cfg.Webhooks.Endpoints {
		if !consumed[ep.Queue] {
			d.addWarning(r, "webhook", fmt.Sprintf("webhooks.endpoints[%d].queue", i),
				fmt.Sprintf("no group consumes queue %q", ep.Queue))
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}
