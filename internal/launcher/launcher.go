// Package launcher spawns one agent subprocess per turn and exposes its
// stdout as a stream of raw records. Conversational continuity lives in the
// resume token, not in a long-lived process: spawn, stream, reap.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/agent-command/bridged/internal/proc"
)

// Profile is the invocation snapshot for a single turn.
type Profile struct {
	WorkDir        string
	Model          string
	AllowedTools   string
	PermissionMode string
	ResumeToken    string
	BudgetUSD      float64 // 0 = no cap flag passed
	Prompt         string
}

// LaunchError reports a failure to start the subprocess at all: missing
// executable or an invalid working directory.
type LaunchError struct {
	Reason string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch failed: %s: %v", e.Reason, e.Err)
	}
	return "launch failed: " + e.Reason
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Handle is one running (or finished) subprocess invocation.
type Handle interface {
	// Records yields raw output lines. The channel closes when the
	// process's stdout is exhausted. The sequence is finite and cannot
	// be restarted.
	Records() <-chan string

	// Wait blocks until the process and its output pumps finish.
	// A non-zero exit comes back as an *exec.ExitError.
	Wait() error

	// Stop force-terminates the process group. Safe to call more than
	// once and after exit; abandoning a handle without Stop leaks
	// nothing as long as the context is cancelled.
	Stop()

	// Stderr returns captured stderr, for error surfacing after a
	// non-zero exit. Valid after Wait.
	Stderr() string
}

// Launcher starts agent subprocesses. The manager is tested against a fake
// implementation; CLILauncher is the real one.
type Launcher interface {
	Start(ctx context.Context, profile Profile) (Handle, error)
}

// CLILauncher invokes the claude binary in one-shot print mode.
type CLILauncher struct {
	Bin string
}

func NewCLILauncher(bin string) *CLILauncher {
	if bin == "" {
		bin = "claude"
	}
	return &CLILauncher{Bin: bin}
}

// Check verifies the agent binary is reachable. Run once at startup so a
// missing install fails fast instead of on the first message.
func (l *CLILauncher) Check() error {
	if _, err := exec.LookPath(l.Bin); err != nil {
		return &LaunchError{Reason: fmt.Sprintf("agent binary %q not found on PATH", l.Bin), Err: err}
	}
	return nil
}

func buildArgs(profile Profile) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--model", profile.Model,
	}
	if profile.ResumeToken != "" {
		args = append(args, "--resume", profile.ResumeToken)
	}
	if profile.PermissionMode != "" {
		args = append(args, "--permission-mode", profile.PermissionMode)
	}
	if profile.BudgetUSD > 0 {
		args = append(args, "--max-budget-usd", strconv.FormatFloat(profile.BudgetUSD, 'f', 2, 64))
	}
	if profile.AllowedTools != "" {
		args = append(args, "--allowedTools", profile.AllowedTools)
	}
	return args
}

// scrubEnv drops CLAUDECODE so the child does not believe it is nested
// inside another agent session.
func scrubEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func (l *CLILauncher) Start(ctx context.Context, profile Profile) (Handle, error) {
	info, err := os.Stat(profile.WorkDir)
	if err != nil || !info.IsDir() {
		return nil, &LaunchError{Reason: fmt.Sprintf("working directory %q is not usable", profile.WorkDir), Err: err}
	}
	bin, err := exec.LookPath(l.Bin)
	if err != nil {
		return nil, &LaunchError{Reason: fmt.Sprintf("agent binary %q not found on PATH", l.Bin), Err: err}
	}

	cmd := exec.CommandContext(ctx, bin, buildArgs(profile)...)
	cmd.Dir = profile.WorkDir
	cmd.Env = scrubEnv()
	// Own process group so Stop can take down any children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Reason: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &LaunchError{Reason: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &LaunchError{Reason: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Reason: "start process", Err: err}
	}

	h := &cliHandle{
		cmd:     cmd,
		binBase: filepath.Base(bin),
		records: make(chan string, 64),
	}

	// One-shot turn: prompt goes in once, then stdin closes.
	go func() {
		_, _ = io.WriteString(stdin, profile.Prompt)
		_ = stdin.Close()
	}()

	h.pumps, _ = errgroup.WithContext(ctx)
	h.pumps.Go(func() error {
		defer close(h.records)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			select {
			case h.records <- scanner.Text():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return scanner.Err()
	})
	h.pumps.Go(func() error {
		data, _ := io.ReadAll(io.LimitReader(stderr, 64*1024))
		h.stderrMu.Lock()
		h.stderr = string(data)
		h.stderrMu.Unlock()
		return nil
	})

	return h, nil
}

type cliHandle struct {
	cmd     *exec.Cmd
	binBase string
	records chan string
	pumps   *errgroup.Group

	stderrMu sync.Mutex
	stderr   string

	waitOnce sync.Once
	waitErr  error
	stopOnce sync.Once
}

func (h *cliHandle) Records() <-chan string { return h.records }

func (h *cliHandle) Wait() error {
	h.waitOnce.Do(func() {
		_ = h.pumps.Wait()
		h.waitErr = h.cmd.Wait()
	})
	return h.waitErr
}

func (h *cliHandle) Stop() {
	h.stopOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}
		pid := h.cmd.Process.Pid
		// Negative pid targets the whole process group.
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		if proc.TakeSnapshot().HasDescendant(pid, []string{h.binBase}) {
			log.Printf("process group %d still has live descendants after kill", pid)
		}
	})
}

func (h *cliHandle) Stderr() string {
	h.stderrMu.Lock()
	defer h.stderrMu.Unlock()
	return strings.TrimSpace(h.stderr)
}
