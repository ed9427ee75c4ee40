package admin

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cloo-solutions/docqa/internal/pipeline"
	"github.com/spf13/cobra"
)

// AskCmd answers a question against the local vector store.
func AskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about the ingested documents",
		Long:  "Retrieve, rerank and answer a question from the documents in the namespace",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	cmd.Flags().StringP("output", "o", "text", "Output format (text or json)")
	cmd.Flags().Bool("sources", true, "Print the sources used for the answer")

	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime(cmd, runtimeOptions{migrate: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	question := strings.Join(args, " ")
	result, err := rt.Pipeline.Query(cmd.Context(), question)
	if err != nil {
		return err
	}

	outputFormat, _ := cmd.Flags().GetString("output")
	showSources, _ := cmd.Flags().GetBool("sources")
	return writeAnswer(cmd.OutOrStdout(), outputFormat, showSources, result)
}

type answerSource struct {
	Rank        int     `json:"rank"`
	Filename    string  `json:"source_filename"`
	Page        int     `json:"page_number"`
	Score       float64 `json:"score"`
	RerankScore float64 `json:"rerank_score"`
	Text        string  `json:"text"`
}

type answerOutput struct {
	Answer   string         `json:"answer"`
	Outcome  string         `json:"outcome"`
	Degraded bool           `json:"degraded"`
	Sources  []answerSource `json:"sources"`
}

func writeAnswer(w io.Writer, format string, showSources bool, result *pipeline.QueryResult) error {
	out := answerOutput{
		Answer:   result.Answer.Text,
		Outcome:  string(result.Outcome),
		Degraded: result.Degraded,
		Sources:  make([]answerSource, len(result.Answer.Sources)),
	}
	for i, s := range result.Answer.Sources {
		out.Sources[i] = answerSource{
			Rank:        i + 1,
			Filename:    s.Metadata.SourceFilename,
			Page:        s.Metadata.PageNumber,
			Score:       s.SimilarityScore,
			RerankScore: s.RerankScore,
			Text:        s.Text,
		}
	}

	if format == "json" {
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	fmt.Fprintln(w, out.Answer)
	if out.Degraded {
		fmt.Fprintln(w, "\n(reranking unavailable, sources are in similarity order)")
	}
	if !showSources || len(out.Sources) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nSources:")
	for _, s := range out.Sources {
		fmt.Fprintf(w, "  [%d] %s, page %d (score %.3f)\n", s.Rank, s.Filename, s.Page, s.RerankScore)
	}
	return nil
}
