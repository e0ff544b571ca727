package nginx

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
)

type fakeOps struct {
	testOut     string
	testErr     error
	reloadOut   string
	reloadErr   error
	testCalls   int
	reloadCalls int
}

func (f *fakeOps) Test(ctx context.Context) (string, error) {
	f.testCalls++
	return f.testOut, f.testErr
}

func (f *fakeOps) Reload(ctx context.Context) (string, error) {
	f.reloadCalls++
	return f.reloadOut, f.reloadErr
}

func (f *fakeOps) Status(ctx context.Context) (Status, error) {
	return Status{}, nil
}

func TestSafeReload(t *testing.T) {
	t.Run("test failure stops the chain", func(t *testing.T) {
		f := &fakeOps{testErr: errdefs.ErrNginxTestFailed}
		_, err := SafeReload(context.Background(), f)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config test:")
		assert.ErrorIs(t, err, errdefs.ErrNginxTestFailed)
		assert.Equal(t, 1, f.testCalls)
		assert.Zero(t, f.reloadCalls)
	})

	t.Run("reload failure is labeled", func(t *testing.T) {
		f := &fakeOps{reloadErr: errors.New("signal: permission denied")}
		_, err := SafeReload(context.Background(), f)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reload:")
		assert.Equal(t, 1, f.testCalls)
		assert.Equal(t, 1, f.reloadCalls)
	})

	t.Run("success runs both", func(t *testing.T) {
		f := &fakeOps{reloadOut: "reloaded"}
		out, err := SafeReload(context.Background(), f)
		require.NoError(t, err)
		assert.Equal(t, "reloaded", out)
		assert.Equal(t, 1, f.testCalls)
		assert.Equal(t, 1, f.reloadCalls)
	})
}

func TestDirectOpsTest(t *testing.T) {
	var argv [][]string
	orig := execCommandContext
	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		argv = append(argv, append([]string{name}, args...))
		return exec.CommandContext(ctx, "echo", "nginx: configuration file test is successful")
	}
	defer func() { execCommandContext = orig }()

	ops := NewDirectOps("/usr/sbin/nginx", time.Second)
	out, err := ops.Test(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "test is successful")
	require.Len(t, argv, 1)
	assert.Equal(t, []string{"/usr/sbin/nginx", "-t"}, argv[0])
}

func TestDirectOpsTestFailure(t *testing.T) {
	orig := execCommandContext
	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "false")
	}
	defer func() { execCommandContext = orig }()

	ops := NewDirectOps("nginx", time.Second)
	_, err := ops.Test(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrNginxTestFailed)
}

func TestDirectOpsReload(t *testing.T) {
	var argv [][]string
	orig := execCommandContext
	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		argv = append(argv, append([]string{name}, args...))
		return exec.CommandContext(ctx, "true")
	}
	defer func() { execCommandContext = orig }()

	ops := NewDirectOps("nginx", time.Second)
	_, err := ops.Reload(context.Background())
	require.NoError(t, err)
	require.Len(t, argv, 1)
	assert.Equal(t, []string{"nginx", "-s", "reload"}, argv[0])
}

func TestDirectOpsReloadFailure(t *testing.T) {
	orig := execCommandContext
	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "false")
	}
	defer func() { execCommandContext = orig }()

	ops := NewDirectOps("nginx", time.Second)
	_, err := ops.Reload(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrExternalFailure)
}

func TestDirectOpsStatusVersion(t *testing.T) {
	orig := execCommandContext
	execCommandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "echo", "nginx version: nginx/1.24.0")
	}
	defer func() { execCommandContext = orig }()

	ops := NewDirectOps("nginx", time.Second)
	st, err := ops.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.24.0", st.Version)
}

func TestSignalFileOpsTest(t *testing.T) {
	dir := t.TempDir()
	ops := NewSignalFileOps(dir, "", 2*time.Second)
	ops.pollInterval = 10 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, testResultFile), []byte("ok\nsyntax is ok\n"), 0644)
	}()

	out, err := ops.Test(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "syntax is ok", out)

	signal, err := os.ReadFile(filepath.Join(dir, signalFileName))
	require.NoError(t, err)
	assert.Equal(t, "test\n", string(signal))
}

func TestSignalFileOpsReloadFailure(t *testing.T) {
	dir := t.TempDir()
	ops := NewSignalFileOps(dir, "", 2*time.Second)
	ops.pollInterval = 10 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, reloadResultFile), []byte("failed\nworker exited\n"), 0644)
	}()

	out, err := ops.Reload(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrExternalFailure)
	assert.Equal(t, "worker exited", out)
}

func TestSignalFileOpsStaleResultIgnored(t *testing.T) {
	dir := t.TempDir()
	// A result from a previous cycle is already on disk; it must be removed,
	// not returned.
	require.NoError(t, os.WriteFile(filepath.Join(dir, testResultFile), []byte("ok\nstale\n"), 0644))

	ops := NewSignalFileOps(dir, "", 200*time.Millisecond)
	ops.pollInterval = 10 * time.Millisecond

	_, err := ops.Test(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrTransientFailure)
}

func TestSignalFileOpsTimeoutReturnsLogTail(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "error.log")
	require.NoError(t, os.WriteFile(logPath, []byte("line1\nline2\nline3\n"), 0644))

	ops := NewSignalFileOps(dir, logPath, 100*time.Millisecond)
	ops.pollInterval = 10 * time.Millisecond

	out, err := ops.Reload(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrTransientFailure)
	assert.Contains(t, out, "line3")
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name      string
		op        string
		raw       string
		wantOut   string
		wantReady bool
		wantErr   error
	}{
		{"ok with output", "test", "ok\nsyntax is ok", "syntax is ok", true, nil},
		{"ok bare", "reload", "ok\n", "", true, nil},
		{"uppercase OK", "reload", "OK\nreloaded", "reloaded", true, nil},
		{"test failed", "test", "failed\nunexpected end of file", "unexpected end of file", true, errdefs.ErrNginxTestFailed},
		{"reload failed", "reload", "failed\nsignal error", "signal error", true, errdefs.ErrExternalFailure},
		{"uppercase FAIL", "test", "FAIL\nbad directive", "bad directive", true, errdefs.ErrNginxTestFailed},
		{"empty file not ready", "test", "", "", false, nil},
		{"whitespace only not ready", "reload", "\n\n", "", false, nil},
		{"garbage verdict", "test", "banana\n", "", true, errdefs.ErrExternalFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, ready, err := parseResult(tt.op, tt.raw)
			assert.Equal(t, tt.wantReady, ready)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				if ready {
					assert.Equal(t, tt.wantOut, out)
				}
			}
		})
	}
}

func TestSignalFileOpsWaitsOutPartialResultWrite(t *testing.T) {
	dir := t.TempDir()
	ops := NewSignalFileOps(dir, "", 2*time.Second)
	ops.pollInterval = 10 * time.Millisecond

	resultPath := filepath.Join(dir, reloadResultFile)
	go func() {
		// A non-atomic watcher: the file exists empty before the verdict
		// lands. The poller must not consume the empty file as a verdict.
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(resultPath, nil, 0644)
		time.Sleep(80 * time.Millisecond)
		_ = os.WriteFile(resultPath, []byte("ok\nreloaded\n"), 0644)
	}()

	out, err := ops.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "reloaded", out)
}

func TestSignalFileOpsUppercaseVerdict(t *testing.T) {
	dir := t.TempDir()
	ops := NewSignalFileOps(dir, "", 2*time.Second)
	ops.pollInterval = 10 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(dir, reloadResultFile), []byte("FAIL\nworker exited\n"), 0644)
	}()

	out, err := ops.Reload(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrExternalFailure)
	assert.Equal(t, "worker exited", out)
}
