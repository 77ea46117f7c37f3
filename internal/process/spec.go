package process

import (
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Spec describes the single managed worker process.
type Spec struct {
	Name        string        `json:"name" mapstructure:"name"`
	Command     string        `json:"command" mapstructure:"command"`   // command line (shell-aware)
	WorkDir     string        `json:"work_dir" mapstructure:"work_dir"` // optional working dir
	Env         []string      `json:"env" mapstructure:"env"`           // extra KEY=VALUE entries
	StopTimeout time.Duration `json:"stop_timeout" mapstructure:"stop_timeout"`
	Detached    bool          `json:"detached" mapstructure:"detached"` // new session instead of new process group
}

var ErrEmptyCommand = errors.New("empty command")

// BuildCommand turns Command into an *exec.Cmd. Plain argv runs directly;
// shell metacharacters go through the shell, and an explicit "sh -c '...'"
// prefix is unwrapped so the script is not wrapped twice.
func (s Spec) BuildCommand() (*exec.Cmd, error) {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return nil, ErrEmptyCommand
	}
	if script, ok := parseExplicitShell(cmdStr); ok {
		return shellCommand(script), nil
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(cmdStr), nil
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204 -- the command is operator configuration
	return exec.Command(parts[0], parts[1:]...), nil
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c with one pair of wrapping quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
