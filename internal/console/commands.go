package console

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/steveyegge/vigil/internal/monitor"
	"github.com/steveyegge/vigil/internal/types"
)

const timeFormat = "2006-01-02 15:04:05"

// cmdStatus probes the service now and shows the verdict
func (c *Console) cmdStatus(args []string) error {
	result, err := c.runner.RunCycle(c.ctx, monitor.CycleOptions{
		Forced: true,
		Actor:  c.actor,
	})
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("Service Health"))
	fmt.Printf("  %s  %s\n", verdictBadge(result.Verdict), result.Snapshot.Summary())

	if result.Debounced {
		fmt.Printf("  %s first %s reading, waiting for confirmation\n", yellow("ℹ"), result.Verdict)
	}
	if inc := result.Incident; inc != nil {
		fmt.Printf("  incident #%d %s: opened %s on %s, attempts %d%s\n",
			inc.ID,
			statusBadge(inc.Status),
			inc.OpenedAt.Format(timeFormat),
			inc.OpeningVerdict,
			inc.Attempts,
			lastActionSuffix(inc),
		)
	}
	if result.CapExceeded && result.Outcome == nil {
		fmt.Printf("  %s repair budget spent, automatic repair is suppressed (run 'repair' to retry)\n", red("✗"))
	}
	fmt.Println()

	return nil
}

// cmdRepair drives a repair cycle, reopening an exhausted incident first
// so the attempt budget starts fresh
func (c *Console) cmdRepair(args []string) error {
	var action types.RepairAction
	if len(args) > 0 {
		parsed, ok := types.ParseRepairAction(args[0])
		if !ok {
			return fmt.Errorf("unknown action %q (valid: %s)", args[0], actionList())
		}
		action = parsed
	}

	yellow := color.New(color.FgYellow).SprintFunc()

	open, err := c.store.GetOpenIncident(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to check open incident: %w", err)
	}
	if open != nil && open.Status == types.IncidentUnresolved {
		if err := c.store.ReopenIncident(c.ctx, open.ID, c.actor); err != nil {
			return fmt.Errorf("failed to reopen incident %d: %w", open.ID, err)
		}
		fmt.Printf("%s incident #%d reopened, attempt budget reset\n", yellow("ℹ"), open.ID)
	}

	result, err := c.runner.RunCycle(c.ctx, monitor.CycleOptions{
		Forced:         true,
		BypassDebounce: true,
		Action:         action,
		Actor:          c.actor,
	})
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	if result.Verdict.IsHealthy() && result.Outcome == nil {
		fmt.Printf("%s service is healthy, nothing to repair\n", green("✓"))
		return nil
	}

	if out := result.Outcome; out != nil {
		if out.Success && out.VerdictAfter.IsHealthy() {
			fmt.Printf("%s %s succeeded, service is %s\n", green("✓"), out.Action, out.VerdictAfter)
		} else if out.Success {
			fmt.Printf("%s %s ran, service is still %s\n", yellow("⚠"), out.Action, out.VerdictAfter)
		} else {
			fmt.Printf("%s %s failed: %s\n", red("✗"), out.Action, out.Error)
		}
	}
	if result.CapExceeded {
		fmt.Printf("%s attempt budget spent without recovery, incident needs attention\n", red("✗"))
	}

	return nil
}

// cmdLogs lists recent monitoring cycles, newest first
func (c *Console) cmdLogs(args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("logs takes a positive count, got %q", args[0])
		}
		limit = n
	}

	cycles, err := c.store.RecentCycles(c.ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to load cycles: %w", err)
	}

	if len(cycles) == 0 {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("\n%s No cycles recorded yet.\n\n", yellow("ℹ"))
		return nil
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan("Recent Cycles"))
	for _, rec := range cycles {
		verdict := verdictColor(rec.Verdict)(fmt.Sprintf("%-11s", rec.Verdict))
		probe := "no response"
		if rec.HTTPStatus > 0 {
			probe = fmt.Sprintf("HTTP %d %4dms", rec.HTTPStatus, rec.LatencyMS)
		}
		fmt.Printf("  %s  %s  %-16s", rec.Timestamp.Format(timeFormat), verdict, probe)
		if rec.IncidentID != nil {
			fmt.Printf("  incident #%d", *rec.IncidentID)
		}
		if rec.Note != "" {
			fmt.Printf("  %s", rec.Note)
		}
		if rec.Forced {
			fmt.Printf("  %s", gray("(forced)"))
		}
		fmt.Println()
	}
	fmt.Println()

	return nil
}

// cmdIncidents lists recent incidents, or shows one with its audit trail
func (c *Console) cmdIncidents(args []string) error {
	if len(args) > 0 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("incidents takes an incident id, got %q", args[0])
		}
		return c.showIncident(id)
	}

	incidents, err := c.store.RecentIncidents(c.ctx, 10)
	if err != nil {
		return fmt.Errorf("failed to load incidents: %w", err)
	}

	if len(incidents) == 0 {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("\n%s No incidents on record.\n\n", green("✓"))
		return nil
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n\n", cyan("Recent Incidents"))
	for _, inc := range incidents {
		fmt.Printf("  #%-4d %s  opened %s  %-11s  attempts %d%s\n",
			inc.ID,
			statusBadge(inc.Status),
			inc.OpenedAt.Format(timeFormat),
			inc.OpeningVerdict,
			inc.Attempts,
			lastActionSuffix(inc),
		)
	}
	fmt.Println()
	fmt.Println("Use 'incidents <id>' for the full audit trail")
	fmt.Println()

	return nil
}

// showIncident renders one incident with its event trail
func (c *Console) showIncident(id int64) error {
	inc, err := c.store.GetIncident(c.ctx, id)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Printf("\n%s\n\n", cyan(fmt.Sprintf("Incident #%d", inc.ID)))
	fmt.Printf("  Status:    %s\n", statusBadge(inc.Status))
	fmt.Printf("  Opened:    %s (%s)\n", inc.OpenedAt.Format(timeFormat), inc.OpeningVerdict)
	if inc.ClosedAt != nil {
		fmt.Printf("  Closed:    %s (%s)\n", inc.ClosedAt.Format(timeFormat), inc.FinalVerdict)
	}
	fmt.Printf("  Attempts:  %d%s\n", inc.Attempts, lastActionSuffix(inc))
	if d := inc.Diagnosis; d != nil {
		fmt.Printf("  Diagnosis: %s (%s, confidence %.2f)\n", d.RootCause, d.Source, d.Confidence)
	}

	events, err := c.store.GetIncidentEvents(c.ctx, id, 0)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	if len(events) > 0 {
		fmt.Printf("\n  %s\n", cyan("Events"))
		for _, ev := range events {
			fmt.Printf("  %s  %-17s %-8s %s\n",
				ev.CreatedAt.Format(timeFormat), ev.Kind, ev.Actor, ev.Message)
		}
	}
	fmt.Println()

	return nil
}

// verdictBadge renders a verdict with its glyph and color
func verdictBadge(v types.Verdict) string {
	switch v {
	case types.VerdictHealthy:
		return color.New(color.FgGreen).Sprintf("✓ %s", v)
	case types.VerdictDegraded:
		return color.New(color.FgYellow).Sprintf("⚠ %s", v)
	default:
		return color.New(color.FgRed).Sprintf("✗ %s", v)
	}
}

// statusBadge renders an incident status in its color
func statusBadge(s types.IncidentStatus) string {
	switch s {
	case types.IncidentResolved:
		return color.New(color.FgGreen).Sprint(string(s))
	case types.IncidentUnresolved:
		return color.New(color.FgRed).Sprint(string(s))
	default:
		return color.New(color.FgYellow).Sprint(string(s))
	}
}

// verdictColor picks the display color for a verdict
func verdictColor(v types.Verdict) func(a ...interface{}) string {
	switch v {
	case types.VerdictHealthy:
		return color.New(color.FgGreen).SprintFunc()
	case types.VerdictDegraded:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgRed).SprintFunc()
	}
}

func lastActionSuffix(inc *types.Incident) string {
	if inc.LastAction == "" {
		return ""
	}
	return fmt.Sprintf(", last action %s", inc.LastAction)
}

func actionList() string {
	actions := types.AllRepairActions()
	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, string(a))
	}
	return strings.Join(names, ", ")
}
