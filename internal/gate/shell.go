package gate

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"github.com/weftlabs/weft/internal/core"
)

// AuditBlocked marks a shell gate result that was refused without executing.
const AuditBlocked = "blocked"

// evalShell runs an argv command with the value as JSON on stdin; exit code 0
// passes. When shell gates are not enabled the gate fails without executing
// anything and the audit records the refusal.
func (e *Engine) evalShell(ctx context.Context, spec core.GateSpec, value core.Value) core.GateResult {
	if !e.allowShell {
		return core.GateResult{
			Passed: false,
			Reason: "shell gates are disabled",
			Audit: map[string]any{
				"gate_type": string(core.GateShell),
				"status":    AuditBlocked,
				"command":   []string(spec.Command),
			},
		}
	}
	if len(spec.Command) == 0 {
		return core.GateResult{Passed: false, Reason: "shell gate has no command"}
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...) //nolint:gosec
	cmd.Stdin = strings.NewReader(value.JSON())
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	runErr := cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	audit := map[string]any{
		"status":    "executed",
		"command":   []string(spec.Command),
		"exit_code": exitCode,
		"output":    core.PreviewOf(combined.String()),
	}
	if ctx.Err() != nil {
		return core.GateResult{Passed: false, Reason: "shell gate aborted: " + ctx.Err().Error(), Audit: audit}
	}
	if runErr != nil {
		return core.GateResult{
			Passed: false,
			Reason: fmt.Sprintf("command failed: %v", runErr),
			Audit:  audit,
		}
	}
	return core.GateResult{Passed: true, Audit: audit}
}

// Blocked reports whether a result is a shell gate that was refused without
// execution.
func Blocked(res core.GateResult) bool {
	if res.Type != core.GateShell || res.Audit == nil {
		return false
	}
	status, _ := res.Audit["status"].(string)
	return status == AuditBlocked
}
