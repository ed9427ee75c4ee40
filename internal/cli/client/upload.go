package client

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type uploadData struct {
	Status       string `json:"status"`
	Filename     string `json:"filename"`
	ChunkCount   int    `json:"chunk_count"`
	SkippedPages []int  `json:"skipped_pages,omitempty"`
}

// UploadCmd sends documents to the server for ingestion, one request each.
func UploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload documents for ingestion",
		Long:  "Upload PDF or text files. Each file is fully indexed before the next is sent.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUpload,
	}

	cmd.Flags().Bool("progress", false, "Show upload progress")

	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	outputJSON, _ := cmd.Flags().GetBool("output")
	showProgress, _ := cmd.Flags().GetBool("progress")
	out := cmd.OutOrStdout()

	var results []uploadData
	failed := 0
	for _, path := range args {
		var onProgress ProgressFunc
		if showProgress && !outputJSON {
			onProgress = progressPrinter(cmd.ErrOrStderr(), path)
		}

		resp, err := api.UploadFile("/api/upload", path, onProgress)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			continue
		}

		var data uploadData
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return fmt.Errorf("failed to parse upload response: %w", err)
		}
		results = append(results, data)
		if !outputJSON {
			fmt.Fprintf(out, "%s: %d chunks indexed\n", data.Filename, data.ChunkCount)
		}
	}

	if outputJSON {
		data, _ := json.MarshalIndent(results, "", "  ")
		fmt.Fprintln(out, string(data))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(args))
	}
	return nil
}

func progressPrinter(w io.Writer, name string) ProgressFunc {
	last := -1
	return func(current, total int64) {
		if total <= 0 {
			return
		}
		pct := int(current * 100 / total)
		if pct == last {
			return
		}
		last = pct
		fmt.Fprintf(w, "\r%s: %3d%%", name, pct)
		if current >= total {
			fmt.Fprintln(w)
		}
	}
}
