package admin

import (
	"errors"
	"fmt"

	"github.com/cloo-solutions/docqa/internal/snapshot"
	"github.com/spf13/cobra"
)

// SnapshotCmd copies a namespace to and from S3-compatible storage.
func SnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export or import namespace snapshots",
		Long:  "Export a namespace to S3-compatible storage as NDJSON, or import one back",
	}

	cmd.AddCommand(snapshotExportCmd())
	cmd.AddCommand(snapshotImportCmd())

	return cmd
}

func snapshotExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <key>",
		Short: "Write every vector in the namespace to an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd, args[0], true)
		},
	}
}

func snapshotImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <key>",
		Short: "Upsert every vector of an object into the namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd, args[0], false)
		},
	}
}

func runSnapshot(cmd *cobra.Command, key string, export bool) error {
	rt, err := loadRuntime(cmd, runtimeOptions{migrate: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	s3Client, err := newS3(ctx, rt.Config)
	if err != nil {
		return err
	}
	if s3Client == nil {
		return errors.New("snapshots require DOCQA_S3_ENDPOINT, DOCQA_S3_ACCESS_KEY_ID and DOCQA_S3_SECRET_ACCESS_KEY")
	}

	svc := snapshot.NewService(rt.Store, s3Client, rt.Config.IndexBatchSize, rt.Logger)
	ns := rt.Pipeline.Namespace()

	if export {
		if err := s3Client.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to ensure S3 bucket: %w", err)
		}
		n, err := svc.ExportTo(ctx, ns, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d vectors from %q to s3://%s/%s\n", n, ns, s3Client.Bucket(), key)
		return nil
	}

	n, err := svc.ImportFrom(ctx, ns, key)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d vectors into %q from s3://%s/%s\n", n, ns, s3Client.Bucket(), key)
	return nil
}
