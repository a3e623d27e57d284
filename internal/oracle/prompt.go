package oracle

import (
	"fmt"
	"strings"

	"github.com/steveyegge/vigil/internal/types"
)

// Prompt size bounds. The prompt must stay small and predictable no matter
// how noisy the service log is; MaxLogLines from config can lower these
// but never raise them.
const (
	promptMaxLogLines  = 50
	promptMaxLineLen   = 400
	promptMaxCycles    = 10
	promptMaxRootCause = 500
)

// buildDiagnosisPrompt renders the incident evidence into a single prompt.
// maxLogLines is clamped to [1, promptMaxLogLines].
func buildDiagnosisPrompt(in *IncidentContext, maxLogLines int) string {
	target := in.Target
	if target == "" {
		target = "the service"
	}

	return fmt.Sprintf(`You are diagnosing a health incident for %s, an HTTP agent server supervised by an automated monitor.

## Current status

%s

## Incident history

%s

## Recent cycles (newest first)

%s

## Service log excerpt

%s

## Your task

Identify the single most likely root cause and recommend repair actions from this whitelist, best first: %s.

Action semantics:
- restart: stop the service process and start it again
- clear_lock: remove a stale lock file, then restart
- rotate_logs: truncate the service log after archiving it
- reload_config: re-read configuration without a restart (SIGHUP)
- noop: do nothing and re-check next cycle

Provide your diagnosis as a JSON object:
{
  "root_cause": "One paragraph naming the most likely cause, tied to the evidence above",
  "summary": "One short line for the incident record",
  "actions": ["restart"],
  "confidence": 0.85
}

RULES:
1. actions may only contain values from the whitelist
2. Order actions most-likely-to-help first
3. Recommend noop when the service looks likely to recover on its own
4. Base the diagnosis only on the evidence above, not on speculation about code you cannot see

IMPORTANT: Respond with ONLY raw JSON. Do NOT wrap it in markdown code fences (`+"`"+`). Just the JSON object.`,
		target,
		statusSection(in),
		historySection(in),
		cyclesSection(in.RecentCycles),
		logSection(in.Snapshot, maxLogLines),
		whitelistLine())
}

func whitelistLine() string {
	actions := types.AllRepairActions()
	parts := make([]string, len(actions))
	for i, a := range actions {
		parts[i] = string(a)
	}
	return strings.Join(parts, ", ")
}

// statusSection describes the current cycle's evidence.
func statusSection(in *IncidentContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Verdict: %s", in.Verdict)
	if in.PrevVerdict != "" {
		fmt.Fprintf(&b, " (previous cycle: %s)", in.PrevVerdict)
	}
	b.WriteString("\n")

	if in.HealthURL != "" {
		fmt.Fprintf(&b, "Health endpoint: %s\n", in.HealthURL)
	}

	s := in.Snapshot
	if s == nil {
		b.WriteString("Probe: no snapshot available")
		return b.String()
	}

	fmt.Fprintf(&b, "Probe: %s", s.Summary())
	if s.ServiceStatus != "" {
		fmt.Fprintf(&b, "\nReported status: %s", s.ServiceStatus)
	}
	return b.String()
}

// historySection describes prior repair attempts, so the oracle does not
// recommend the action that just failed.
func historySection(in *IncidentContext) string {
	inc := in.Incident
	if inc == nil || inc.Attempts == 0 {
		return "This is a fresh incident; no repairs have been attempted yet."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Incident opened at %s with verdict %s.\n",
		inc.OpenedAt.Format("2006-01-02 15:04:05 MST"), inc.OpeningVerdict)
	fmt.Fprintf(&b, "Repair attempts so far: %d.", inc.Attempts)
	if inc.LastAction != "" {
		fmt.Fprintf(&b, " Last action: %s", inc.LastAction)
		if inc.ResultVerdict != "" {
			fmt.Fprintf(&b, " (verdict afterwards: %s)", inc.ResultVerdict)
		}
		b.WriteString(".")
	}
	if inc.Diagnosis != nil && inc.Diagnosis.RootCause != "" {
		fmt.Fprintf(&b, "\nPrevious diagnosis (%s): %s",
			inc.Diagnosis.Source, truncate(inc.Diagnosis.RootCause, promptMaxRootCause))
	}
	return b.String()
}

// cyclesSection renders a short trend window.
func cyclesSection(cycles []*types.CycleRecord) string {
	if len(cycles) == 0 {
		return "No prior cycles recorded."
	}
	if len(cycles) > promptMaxCycles {
		cycles = cycles[:promptMaxCycles]
	}

	var b strings.Builder
	for i, c := range cycles {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s  %s", c.Timestamp.Format("15:04:05"), c.Verdict)
		if c.HTTPStatus > 0 {
			fmt.Fprintf(&b, " (HTTP %d, %dms)", c.HTTPStatus, c.LatencyMS)
		}
		if c.Note != "" {
			fmt.Fprintf(&b, " %s", truncate(c.Note, 80))
		}
	}
	return b.String()
}

// logSection renders the tail of the service log, bounded in both line
// count and line length.
func logSection(s *types.HealthSnapshot, maxLogLines int) string {
	if s == nil || len(s.LogTail) == 0 {
		return "No log lines captured."
	}

	if maxLogLines < 1 {
		maxLogLines = promptMaxLogLines
	}
	if maxLogLines > promptMaxLogLines {
		maxLogLines = promptMaxLogLines
	}

	lines := s.LogTail
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d line(s)", len(lines))
	if s.LogSizeBytes > 0 {
		fmt.Fprintf(&b, " of %d bytes", s.LogSizeBytes)
	}
	b.WriteString(":\n```\n")
	for _, line := range lines {
		b.WriteString(truncate(line, promptMaxLineLen))
		b.WriteString("\n")
	}
	b.WriteString("```")
	return b.String()
}
