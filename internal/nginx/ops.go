package nginx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
	"github.com/aegisproxy/aegis/backend/internal/util"
)

// Test hooks.
var (
	execCommandContext = exec.CommandContext
	readFileFunc       = os.ReadFile
	writeFileFunc      = os.WriteFile
	removeFileFunc     = os.Remove
	renameFunc         = os.Rename
)

// Signal-file protocol. The control plane writes the requested operation
// into the signal file; an external privileged watcher performs it and
// writes the outcome into the matching result file.
const (
	signalFileName     = ".nginx-reload-signal"
	testResultFile     = ".nginx-test-result"
	reloadResultFile   = ".nginx-reload-result"
	resultPollInterval = 100 * time.Millisecond
	logTailLines       = 10
)

var nginxVersionRe = regexp.MustCompile(`nginx/(\S+)`)

// Status describes the managed nginx process.
type Status struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
}

// Ops abstracts the nginx control operations so the reconciler and reload
// manager do not care whether they run privileged.
type Ops interface {
	// Test runs a config syntax check and returns its output.
	Test(ctx context.Context) (string, error)
	// Reload asks nginx to re-read its configuration.
	Reload(ctx context.Context) (string, error)
	// Status probes the nginx process.
	Status(ctx context.Context) (Status, error)
}

// SafeReload chains Test then Reload and labels which step failed.
func SafeReload(ctx context.Context, ops Ops) (string, error) {
	out, err := ops.Test(ctx)
	if err != nil {
		return out, fmt.Errorf("config test: %w", err)
	}
	out, err = ops.Reload(ctx)
	if err != nil {
		return out, fmt.Errorf("reload: %w", err)
	}
	return out, nil
}

// DirectOps shells out to the nginx binary. Requires the process to run
// with enough privilege to signal the nginx master.
type DirectOps struct {
	binary  string
	timeout time.Duration
}

// NewDirectOps returns an Ops that invokes the nginx binary directly.
func NewDirectOps(binary string, timeout time.Duration) *DirectOps {
	if binary == "" {
		binary = "nginx"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DirectOps{binary: binary, timeout: timeout}
}

func (d *DirectOps) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := execCommandContext(ctx, d.binary, args...)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Test runs `nginx -t`.
func (d *DirectOps) Test(ctx context.Context) (string, error) {
	out, err := d.run(ctx, "-t")
	if err != nil {
		return out, fmt.Errorf("%w: %s", errdefs.ErrNginxTestFailed, util.Truncate(out, 2000))
	}
	return out, nil
}

// Reload runs `nginx -s reload`.
func (d *DirectOps) Reload(ctx context.Context) (string, error) {
	out, err := d.run(ctx, "-s", "reload")
	if err != nil {
		return out, fmt.Errorf("%w: nginx reload: %s", errdefs.ErrExternalFailure, util.Truncate(out, 2000))
	}
	return out, nil
}

// Status reports whether an nginx process is running and which version the
// binary is.
func (d *DirectOps) Status(ctx context.Context) (Status, error) {
	st := Status{}

	// nginx prints its version on stderr.
	if out, err := d.run(ctx, "-v"); err == nil || out != "" {
		if m := nginxVersionRe.FindStringSubmatch(out); m != nil {
			st.Version = m[1]
		}
	}

	running, err := nginxProcessRunning(ctx)
	if err != nil {
		return st, err
	}
	st.Running = running
	return st, nil
}

func nginxProcessRunning(ctx context.Context) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if name == "nginx" {
			return true, nil
		}
	}
	return false, nil
}

// SignalFileOps implements the unprivileged mode: operations are requested
// through a marker file and a privileged sidecar executes them.
type SignalFileOps struct {
	dir      string // directory holding the signal and result files
	errorLog string // nginx error log, tailed when a result never arrives
	timeout  time.Duration

	pollInterval time.Duration // overridable in tests
}

// NewSignalFileOps returns an Ops speaking the signal-file protocol rooted
// at dir.
func NewSignalFileOps(dir, errorLog string, timeout time.Duration) *SignalFileOps {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SignalFileOps{
		dir:          dir,
		errorLog:     errorLog,
		timeout:      timeout,
		pollInterval: resultPollInterval,
	}
}

// Test requests a config check from the watcher.
func (s *SignalFileOps) Test(ctx context.Context) (string, error) {
	out, err := s.signalAndWait(ctx, "test", testResultFile)
	if err != nil {
		return out, err
	}
	return out, nil
}

// Reload requests a reload from the watcher.
func (s *SignalFileOps) Reload(ctx context.Context) (string, error) {
	return s.signalAndWait(ctx, "reload", reloadResultFile)
}

// Status probes the process table; the version is unknown in signal mode
// unless the watcher has recorded one next to the signal file.
func (s *SignalFileOps) Status(ctx context.Context) (Status, error) {
	st := Status{}
	if data, err := readFileFunc(filepath.Join(s.dir, ".nginx-version")); err == nil {
		if m := nginxVersionRe.FindStringSubmatch(string(data)); m != nil {
			st.Version = m[1]
		}
	}
	running, err := nginxProcessRunning(ctx)
	if err != nil {
		return st, err
	}
	st.Running = running
	return st, nil
}

func (s *SignalFileOps) signalAndWait(ctx context.Context, op, resultName string) (string, error) {
	resultPath := filepath.Join(s.dir, resultName)
	// A stale result from a previous cycle must not satisfy this request.
	_ = removeFileFunc(resultPath)

	if err := s.writeSignal(op); err != nil {
		return "", fmt.Errorf("write %s signal: %w", op, err)
	}

	deadline := time.Now().Add(s.timeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.logTail(), fmt.Errorf("%w: %s interrupted: %v", errdefs.ErrTransientFailure, op, ctx.Err())
		case <-ticker.C:
			if data, err := readFileFunc(resultPath); err == nil {
				// A watcher that does not write temp+rename can be observed
				// mid-write; an empty file is not a verdict yet.
				if out, ready, perr := parseResult(op, string(data)); ready {
					return out, perr
				}
			}
			if time.Now().After(deadline) {
				return s.logTail(), fmt.Errorf("%w: no %s result after %s", errdefs.ErrTransientFailure, op, s.timeout)
			}
		}
	}
}

// writeSignal writes the marker atomically so the watcher never reads a
// half-written operation name.
func (s *SignalFileOps) writeSignal(op string) error {
	tmp := filepath.Join(s.dir, signalFileName+".tmp")
	if err := writeFileFunc(tmp, []byte(op+"\n"), 0644); err != nil {
		return err
	}
	return renameFunc(tmp, filepath.Join(s.dir, signalFileName))
}

// parseResult interprets a result file: first line is the verdict (`OK` or
// `FAIL`, case folded; `failed` is also accepted), the remainder is the
// operation output. A file without a verdict line is reported not ready so
// the poller keeps waiting.
func parseResult(op, raw string) (string, bool, error) {
	verdict, output, _ := strings.Cut(strings.TrimSpace(raw), "\n")
	verdict = strings.TrimSpace(verdict)
	output = strings.TrimSpace(output)
	switch {
	case verdict == "":
		return "", false, nil
	case strings.EqualFold(verdict, "ok"):
		return output, true, nil
	case strings.EqualFold(verdict, "fail"), strings.EqualFold(verdict, "failed"):
		if op == "test" {
			return output, true, fmt.Errorf("%w: %s", errdefs.ErrNginxTestFailed, util.Truncate(output, 2000))
		}
		return output, true, fmt.Errorf("%w: nginx %s: %s", errdefs.ErrExternalFailure, op, util.Truncate(output, 2000))
	default:
		return raw, true, fmt.Errorf("%w: unrecognized %s result %q", errdefs.ErrExternalFailure, op, util.Truncate(verdict, 100))
	}
}

func (s *SignalFileOps) logTail() string {
	if s.errorLog == "" {
		return ""
	}
	data, err := readFileFunc(s.errorLog)
	if err != nil {
		return ""
	}
	return util.LastLines(string(data), logTailLines)
}
