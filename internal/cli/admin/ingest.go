package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cloo-solutions/docqa/internal/domain"
	"github.com/cloo-solutions/docqa/internal/pipeline"
	"github.com/spf13/cobra"
)

// IngestCmd indexes local files without going through the HTTP API.
func IngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest documents into the vector store",
		Long:  "Extract, chunk, embed and index one or more PDF or text files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIngest,
	}

	cmd.Flags().StringP("output", "o", "text", "Output format (text or json)")

	return cmd
}

type ingestOutput struct {
	Filename     string `json:"filename"`
	Status       string `json:"status"`
	ChunkCount   int    `json:"chunk_count"`
	SkippedPages []int  `json:"skipped_pages,omitempty"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(cmd, runtimeOptions{migrate: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	outputFormat, _ := cmd.Flags().GetString("output")
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	results, failed := ingestFiles(ctx, rt.Pipeline, args, rt.Config.MaxUploadBytes)
	if err := writeIngestOutput(cmd.OutOrStdout(), outputFormat, results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(args))
	}
	return nil
}

type documentIngester interface {
	Ingest(ctx context.Context, doc domain.Document) (*pipeline.IngestResult, error)
}

// ingestFiles ingests every path in order and keeps going after a failure.
func ingestFiles(ctx context.Context, ing documentIngester, paths []string, maxBytes int64) ([]ingestOutput, int) {
	results := make([]ingestOutput, 0, len(paths))
	failed := 0
	for _, path := range paths {
		out := ingestOutput{Filename: filepath.Base(path), Status: "success"}
		res, err := ingestFile(ctx, ing, path, maxBytes)
		if err != nil {
			failed++
			out.Status = "failed"
			out.Error = err.Error()
			out.Code = domain.CodeOf(err)
		} else {
			out.ChunkCount = res.ChunkCount
			out.SkippedPages = res.SkippedPages
		}
		results = append(results, out)
	}
	return results, failed
}

func ingestFile(ctx context.Context, ing documentIngester, path string, maxBytes int64) (*pipeline.IngestResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, domain.ErrDocumentTooLarge
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ing.Ingest(ctx, domain.Document{Filename: filepath.Base(path), Content: content})
}

func writeIngestOutput(w io.Writer, format string, results []ingestOutput) error {
	if format == "json" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	for _, r := range results {
		if r.Status == "failed" {
			fmt.Fprintf(w, "%s: failed: %s\n", r.Filename, r.Error)
			continue
		}
		fmt.Fprintf(w, "%s: %d chunks indexed", r.Filename, r.ChunkCount)
		if len(r.SkippedPages) > 0 {
			fmt.Fprintf(w, " (skipped empty pages %v)", r.SkippedPages)
		}
		fmt.Fprintln(w)
	}
	return nil
}
