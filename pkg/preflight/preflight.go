// Package preflight runs declarative environment checks before a job is
// spawned.
//
// Checks are cheap assertions about the host (a path exists, a command
// succeeds, a filesystem has headroom) declared in the job contract. A failed
// check with the reject policy stops the launch before any process exists;
// warn-policy failures are recorded and the launch proceeds.
package preflight

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/runward/runward/pkg/manifest"
)

// cmdTimeout bounds a single cmd_exit_zero check. A hung check command must
// not hang the launch path.
const cmdTimeout = 30 * time.Second

// CheckResult is the outcome of one check, in event-stream shape.
type CheckResult struct {
	Type   string          `json:"type"`
	OnFail manifest.OnFail `json:"onFail"`
	Passed bool            `json:"passed"`
	Method string          `json:"method"`
	Detail string          `json:"detail,omitempty"`
}

// Report collects the results of every check in declaration order.
type Report struct {
	Results []CheckResult `json:"results"`
}

// Rejection returns the first failed reject-policy check, or nil when the
// launch may proceed.
func (r *Report) Rejection() *CheckResult {
	for i := range r.Results {
		res := &r.Results[i]
		if !res.Passed && res.OnFail == manifest.OnFailReject {
			return res
		}
	}
	return nil
}

// Warnings returns the failed warn-policy checks.
func (r *Report) Warnings() []CheckResult {
	var out []CheckResult
	for _, res := range r.Results {
		if !res.Passed && res.OnFail == manifest.OnFailWarn {
			out = append(out, res)
		}
	}
	return out
}

// Run executes every check. All checks run even after a reject-policy
// failure so the report names every problem at once; the caller consults
// Rejection to decide whether the launch proceeds.
func Run(ctx context.Context, checks []manifest.PreflightCheck) *Report {
	rep := &Report{Results: make([]CheckResult, 0, len(checks))}
	for _, c := range checks {
		rep.Results = append(rep.Results, runOne(ctx, c))
	}
	return rep
}

func runOne(ctx context.Context, c manifest.PreflightCheck) CheckResult {
	res := CheckResult{Type: c.Type, OnFail: c.CheckOnFail()}
	switch c.Type {
	case manifest.CheckPathExists:
		checkPathExists(c, &res)
	case manifest.CheckCmdExitZero:
		checkCmdExitZero(ctx, c, &res)
	case manifest.CheckMinFreeDiskGB:
		checkMinFreeDisk(c, &res)
	default:
		// Validate rejects unknown types; reaching here means the check
		// bypassed the contract boundary.
		res.Method = "unknown"
		res.Detail = fmt.Sprintf("unknown check type %q", c.Type)
	}
	return res
}

func checkPathExists(c manifest.PreflightCheck, res *CheckResult) {
	path, err := c.StringParam("path")
	if err != nil {
		res.Detail = err.Error()
		return
	}
	res.Method = fmt.Sprintf("stat(%q)", path)
	if _, err := os.Stat(path); err != nil {
		res.Detail = err.Error()
		return
	}
	res.Passed = true
}

func checkCmdExitZero(ctx context.Context, c manifest.PreflightCheck, res *CheckResult) {
	cmdStr, err := c.StringParam("cmd")
	if err != nil {
		res.Detail = err.Error()
		return
	}
	res.Method = fmt.Sprintf("sh -c %q", cmdStr)

	ctx, cancel := context.WithTimeout(ctx, cmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
	out, err := cmd.CombinedOutput()
	if err != nil {
		detail := err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			detail = fmt.Sprintf("timed out after %s", cmdTimeout)
		}
		if tail := lastLine(out); tail != "" {
			detail = detail + ": " + tail
		}
		res.Detail = detail
		return
	}
	res.Passed = true
}

func checkMinFreeDisk(c manifest.PreflightCheck, res *CheckResult) {
	path, err := c.StringParam("path")
	if err != nil {
		res.Detail = err.Error()
		return
	}
	wantGB, err := c.FloatParam("gb")
	if err != nil {
		res.Detail = err.Error()
		return
	}
	res.Method = fmt.Sprintf("statfs(%q)", path)

	freeGB, err := freeDiskGB(path)
	if err != nil {
		res.Detail = err.Error()
		return
	}
	if freeGB < wantGB {
		res.Detail = fmt.Sprintf("%.1f GB free, need %.1f GB", freeGB, wantGB)
		return
	}
	res.Passed = true
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
