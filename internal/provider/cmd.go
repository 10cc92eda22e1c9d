package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/logger/tag"
)

// CmdConfig configures a subprocess adapter.
type CmdConfig struct {
	Name string   `json:"name" mapstructure:"name"`
	Argv []string `json:"argv" mapstructure:"argv"`
	Dir  string   `json:"dir,omitempty" mapstructure:"dir"`
	Env  []string `json:"env,omitempty" mapstructure:"env"`
}

// Cmd dispatches work by launching an argv subprocess per attempt. The
// request is written to the child's stdin as JSON; the child prints a
// DispatchResult JSON object to stdout. A child that prints anything else is
// treated as a plain script: exit 0 succeeds with stdout as the output.
//
// The command is always an argv vector, never a shell string, and the child
// runs in its own process group so cancellation kills the whole tree.
type Cmd struct {
	cfg CmdConfig
}

// NewCmd creates a subprocess adapter.
func NewCmd(cfg CmdConfig) (*Cmd, error) {
	if len(cfg.Argv) == 0 {
		return nil, fmt.Errorf("cmd provider %q: empty argv", cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = "cmd"
	}
	return &Cmd{cfg: cfg}, nil
}

func (c *Cmd) Name() string { return c.cfg.Name }

func (c *Cmd) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.cfg.Argv[0], c.cfg.Argv[1:]...) //nolint:gosec
	cmd.Dir = c.cfg.Dir
	cmd.Env = append(os.Environ(), c.cfg.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid signals the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out := strings.TrimSpace(stdout.String())
	if res, ok := decodeResult(out); ok {
		if res.ActualProvider == "" {
			res.ActualProvider = c.cfg.Name
		}
		return res, nil
	}

	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		logger.Debug(ctx, "Subprocess provider failed", tag.Provider(c.cfg.Name), tag.Error(runErr))
		return &DispatchResult{Success: false, Error: msg, ActualProvider: c.cfg.Name}, nil
	}
	return &DispatchResult{Success: true, Output: out, ActualProvider: c.cfg.Name}, nil
}

// decodeResult accepts output only when it is a JSON object carrying the
// result contract's success field and matching the wire schema. Anything else
// is plain script output.
func decodeResult(out string) (*DispatchResult, bool) {
	if !strings.HasPrefix(out, "{") {
		return nil, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(out), &probe); err != nil {
		return nil, false
	}
	if _, ok := probe["success"]; !ok {
		return nil, false
	}
	if err := dispatchResultSchema.Check([]byte(out)); err != nil {
		return nil, false
	}
	var res DispatchResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return nil, false
	}
	return &res, true
}
