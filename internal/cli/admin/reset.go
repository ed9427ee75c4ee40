package admin

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ResetCmd deletes every vector in the configured namespace.
func ResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every vector in the namespace",
		Long:  "Delete every vector in the namespace. Other namespaces are left untouched.",
		Args:  cobra.NoArgs,
		RunE:  runReset,
	}

	cmd.Flags().Bool("yes", false, "Confirm the reset")

	return cmd
}

func runReset(cmd *cobra.Command, args []string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return fmt.Errorf("refusing to reset without --yes")
	}

	rt, err := loadRuntime(cmd, runtimeOptions{migrate: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	before, err := rt.Pipeline.VectorCount(cmd.Context())
	if err != nil {
		return err
	}
	if err := rt.Pipeline.Reset(cmd.Context()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d vectors from namespace %q\n", before, rt.Pipeline.Namespace())
	return nil
}
