package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/todoroff/terraform-provider-catlet/internal/convergence"
	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
)

func TestCommandFinished(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	r.CommandFinished(hypervcli.CmdSetProcessor, hypervcli.ModeInProcess, nil)
	r.CommandFinished(hypervcli.CmdSetProcessor, hypervcli.ModeInProcess, nil)
	r.CommandFinished(hypervcli.CmdSetFirmware, hypervcli.ModeInProcess, errors.New("boom"))
	r.CommandFinished(hypervcli.CmdSetFirmware, hypervcli.ModeOutOfProcess, nil)
	r.CommandFinished(hypervcli.CmdNewVHD, hypervcli.ModeInProcess,
		&hypervcli.CommandError{Command: "New-VHD", Mode: hypervcli.ModeInProcess, Err: context.DeadlineExceeded})

	if got := testutil.ToFloat64(r.hostCommands.WithLabelValues(hypervcli.CmdSetProcessor, "in-process", "success")); got != 2 {
		t.Fatalf("Set-VMProcessor successes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.hostCommands.WithLabelValues(hypervcli.CmdSetFirmware, "in-process", "error")); got != 1 {
		t.Fatalf("Set-VMFirmware errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.hostCommands.WithLabelValues(hypervcli.CmdNewVHD, "in-process", "timeout")); got != 1 {
		t.Fatalf("New-VHD timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.bootFallbacks); got != 1 {
		t.Fatalf("fallbacks = %v, want 1", got)
	}
}

func TestStepFinished(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	r.StepFinished("cpu", 2*time.Second, nil)
	r.StepFinished("secure_boot", time.Second, &convergence.Error{Kind: convergence.KindPreconditionNotMet})
	r.StepFinished("drives", time.Second, errors.New("plain"))

	if got := testutil.CollectAndCount(r.stepDuration); got != 3 {
		t.Fatalf("expected 3 step series, got %d", got)
	}

	expected := `
# HELP catlet_secure_boot_fallbacks_total Count of firmware updates retried out of process.
# TYPE catlet_secure_boot_fallbacks_total counter
catlet_secure_boot_fallbacks_total 0
`
	if err := testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "catlet_secure_boot_fallbacks_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	r := NewRecorder()
	r.StepFinished("cpu", time.Second, nil)

	path := filepath.Join(t.TempDir(), "catlet.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `catlet_convergence_step_duration_seconds_count{outcome="success",step="cpu"} 1`) {
		t.Fatalf("unexpected textfile:\n%s", data)
	}
}
