// Package probe observes the target agent server and reduces what it sees
// to a HealthSnapshot. A probe never decides anything; classification is
// the classifier's job.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/steveyegge/vigil/internal/config"
	"github.com/steveyegge/vigil/internal/types"
)

// maxHealthBody caps how much of the health endpoint's response body is
// read for payload parsing.
const maxHealthBody = 64 * 1024

// healthPayload is the optional JSON body a well-behaved health endpoint
// returns. All fields are best-effort.
type healthPayload struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Prober performs one health check cycle against the target service.
type Prober struct {
	target   config.TargetConfig
	cfg      config.ProbeConfig
	client   *http.Client
	portAddr string // host:port for the TCP check, empty when unknown
}

// New creates a prober for the configured target.
func New(target config.TargetConfig, cfg config.ProbeConfig) *Prober {
	return &Prober{
		target:   target,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		portAddr: resolvePortAddr(target),
	}
}

// resolvePortAddr derives the TCP check address from the explicit port or,
// failing that, from the health URL.
func resolvePortAddr(target config.TargetConfig) string {
	u, err := url.Parse(target.HealthURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	if target.Port != 0 {
		return net.JoinHostPort(host, strconv.Itoa(target.Port))
	}
	if p := u.Port(); p != "" {
		return net.JoinHostPort(host, p)
	}
	return ""
}

// Check probes the target once and returns a snapshot of what it observed.
// Network failures, timeouts, and bad status codes are all encoded in the
// snapshot; the only error Check returns is the caller's own cancellation.
func (p *Prober) Check(ctx context.Context) (*types.HealthSnapshot, error) {
	snap := &types.HealthSnapshot{Timestamp: time.Now().UTC()}

	httpCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	p.checkHTTP(httpCtx, snap)
	cancel()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.cfg.DeepSweep && snap.HTTPStatus != http.StatusOK {
		p.sweep(ctx, snap)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func (p *Prober) checkHTTP(ctx context.Context, snap *types.HealthSnapshot) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.target.HealthURL, nil)
	if err != nil {
		snap.ConnError = err.Error()
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	snap.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		if isTimeout(err) {
			snap.TimedOut = true
		} else {
			snap.ConnError = rootError(err)
		}
		return
	}
	defer resp.Body.Close()

	snap.HTTPStatus = resp.StatusCode

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil || len(body) == 0 {
		return
	}
	var payload healthPayload
	if json.Unmarshal(body, &payload) == nil {
		snap.ServiceStatus = payload.Status
		snap.ServiceVersion = payload.Version
	}
}

// sweep gathers the deeper evidence the diagnostician needs: process
// liveness, port state, and the log tail.
func (p *Prober) sweep(ctx context.Context, snap *types.HealthSnapshot) {
	p.checkProcess(ctx, snap)
	p.checkPort(ctx, snap)

	if p.target.LogPath != "" {
		if fi, err := os.Stat(p.target.LogPath); err == nil {
			snap.LogSizeBytes = fi.Size()
		}
		lines, err := ReadLogTail(p.target.LogPath, p.cfg.TailLines)
		if err == nil {
			snap.LogTail = lines
		}
	}
}

// checkProcess establishes process or container liveness. A configured
// liveness command wins over the pid file; containerized targets have no
// pid worth reading from the host side.
func (p *Prober) checkProcess(ctx context.Context, snap *types.HealthSnapshot) {
	if p.target.LivenessCmd != "" {
		snap.ProcessChecked = true
		snap.ProcessAlive = p.runLivenessCmd(ctx)
		return
	}
	if p.target.PIDFile == "" {
		return
	}
	snap.ProcessChecked = true

	pid, err := ReadPIDFile(p.target.PIDFile)
	if err != nil {
		// Missing or garbled pid file reads as process down
		snap.ProcessAlive = false
		return
	}
	snap.ProcessAlive = ProcessExists(pid)
}

// runLivenessCmd reports whether the liveness command exited 0 within the
// probe timeout.
func (p *Prober) runLivenessCmd(ctx context.Context) bool {
	cmdCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", p.target.LivenessCmd)
	return cmd.Run() == nil
}

func (p *Prober) checkPort(ctx context.Context, snap *types.HealthSnapshot) {
	if p.portAddr == "" {
		return
	}
	snap.PortChecked = true

	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", p.portAddr)
	if err != nil {
		snap.PortOpen = false
		return
	}
	_ = conn.Close()
	snap.PortOpen = true
}

// isTimeout distinguishes deadline expiry from other transport failures.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// rootError strips the url.Error wrapper so snapshots carry the dial
// failure itself rather than the full request URL.
func rootError(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err.Error()
	}
	return err.Error()
}

// Describe returns a short description of what the prober checks, for
// status output.
func (p *Prober) Describe() string {
	desc := p.target.HealthURL
	if p.portAddr != "" {
		desc = fmt.Sprintf("%s (tcp %s)", desc, p.portAddr)
	}
	return desc
}
