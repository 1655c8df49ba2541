package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/todoroff/terraform-provider-catlet/internal/models"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current settings of a VM",
	Long: `Print the current settings of a VM as YAML without changing anything.

Examples:
  catlet-converge show --name web-1
  catlet-converge show --vm-id 2fe70974-c81a-4f3a-bf4e-7be405b88c97`,
	RunE: runShow,
}

var (
	showName string
	showVMID string
)

func init() {
	rootCmd.AddCommand(showCmd)

	showCmd.Flags().StringVar(&showName, "name", "", "VM name")
	showCmd.Flags().StringVar(&showVMID, "vm-id", "", "VM id")
	showCmd.MarkFlagsMutuallyExclusive("name", "vm-id")
}

func runShow(cmd *cobra.Command, _ []string) error {
	if showName == "" && showVMID == "" {
		return errors.New("one of --name or --vm-id is required")
	}

	s, err := openSession(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer s.close()

	var vm models.VM
	if showVMID != "" {
		id, parseErr := uuid.Parse(showVMID)
		if parseErr != nil {
			return fmt.Errorf("invalid --vm-id: %w", parseErr)
		}
		vm, err = s.client.QueryVM(s.ctx, id)
	} else {
		vm, err = s.client.FindVM(s.ctx, showName)
	}
	if err != nil {
		return err
	}
	return writeSnapshot(cmd.OutOrStdout(), vm)
}
