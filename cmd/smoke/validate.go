package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate RUN_ID",
	Short: "Validate a run against its stored runbook or a runbook file",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var validateRunbookFile string

func init() {
	validateCmd.Flags().StringVarP(&validateRunbookFile, "runbook", "r", "", "Path to a runbook YAML file overriding the stored runbook")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	runID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid run id: %w", err)
	}
	var override *string
	if validateRunbookFile != "" {
		b, err := os.ReadFile(validateRunbookFile)
		if err != nil {
			return fmt.Errorf("failed to read runbook file: %w", err)
		}
		s := string(b)
		override = &s
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	verdict, err := newClient().ValidateRun(ctx, runID, override)
	if err != nil {
		return err
	}
	return printJSON(verdict)
}
