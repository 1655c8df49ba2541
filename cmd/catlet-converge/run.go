package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/todoroff/terraform-provider-catlet/internal/config"
	"github.com/todoroff/terraform-provider-catlet/internal/convergence"
	"github.com/todoroff/terraform-provider-catlet/internal/hypervcli"
	"github.com/todoroff/terraform-provider-catlet/internal/metrics"
	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Converge a VM to a catlet definition",
	Long: `Converge a VM to a catlet definition and print the resulting VM as YAML.

The VM is selected by --vm-id or, when omitted, by the catlet name. With
--create a missing VM is created as a generation 2 VM first.

Progress messages are written to stderr, the final snapshot to stdout. On
failure the snapshot after the last successful step is printed.

Examples:
  catlet-converge run --catlet web-1.yaml
  catlet-converge run --catlet web-1.yaml --create --metrics-file catlet.prom
  catlet-converge run --catlet web-1.yaml --vm-id 2fe70974-c81a-4f3a-bf4e-7be405b88c97`,
	RunE: runConverge,
}

var (
	runCatletFile  string
	runVMID        string
	runCreate      bool
	runMetricsFile string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runCatletFile, "catlet", "c", "", "catlet definition (YAML)")
	runCmd.Flags().StringVar(&runVMID, "vm-id", "", "id of the VM to converge (default: look up by catlet name)")
	runCmd.Flags().BoolVar(&runCreate, "create", false, "create the VM when it does not exist")
	runCmd.Flags().StringVar(&runMetricsFile, "metrics-file", "", "write Prometheus metrics to this file")
	_ = runCmd.MarkFlagRequired("catlet")
}

func runConverge(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	catlet, err := config.LoadCatletConfig(runCatletFile)
	if err != nil {
		return err
	}

	recorder := metrics.NewRecorder()
	s, err := openSession(ctx, recorder)
	if err != nil {
		return err
	}
	defer s.close()

	vm, err := resolveVM(s, catlet, runVMID, runCreate)
	if err != nil {
		return err
	}

	c, err := convergence.NewContext(convergence.Params{
		VMID:     vm.ID,
		Config:   catlet,
		Defaults: s.host.HostDefaults(),
		Storage:  s.host.Storage(catlet.Name),
		Network:  s.host.Network(catlet),
		Host:     s.client,
		Reporter: progressReporter(cmd.ErrOrStderr()),
	})
	if err != nil {
		return err
	}

	converged, runErr := convergence.Pipeline{
		Steps:    convergence.DefaultSteps(),
		Observer: recorder,
	}.Run(s.ctx, c, vm)

	if err := writeSnapshot(cmd.OutOrStdout(), converged); err != nil {
		return err
	}
	if runMetricsFile != "" {
		if err := recorder.WriteTextfile(runMetricsFile); err != nil {
			return errors.Join(runErr, fmt.Errorf("write metrics: %w", err))
		}
	}
	return runErr
}

// resolveVM returns the VM to converge, creating it when allowed.
func resolveVM(s *session, catlet models.CatletConfig, rawID string, create bool) (models.VM, error) {
	if rawID != "" {
		id, err := uuid.Parse(rawID)
		if err != nil {
			return models.VM{}, fmt.Errorf("invalid --vm-id: %w", err)
		}
		return s.client.QueryVM(s.ctx, id)
	}

	vm, err := s.client.FindVM(s.ctx, catlet.Name)
	if err == nil || !errors.Is(err, hypervcli.ErrNotFound) || !create {
		return vm, err
	}

	memory := catlet.Memory.Startup
	if memory == 0 {
		memory = s.host.HostDefaults().MemoryMiB
	}
	return s.client.CreateVM(s.ctx, models.CreateOptions{
		Name:       catlet.Name,
		Generation: 2,
		Path:       s.host.VMPath,
		MemoryMiB:  memory,
	})
}

func progressReporter(w io.Writer) convergence.Reporter {
	return func(_ context.Context, message string) error {
		_, err := fmt.Fprintf(w, "==> %s\n", message)
		return err
	}
}
