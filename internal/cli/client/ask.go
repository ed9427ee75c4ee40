package client

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type sourceData struct {
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
	RerankScore float64 `json:"rerank_score"`
	Metadata    struct {
		SourceFilename string `json:"source_filename"`
		PageNumber     int    `json:"page_number"`
		ChunkIndex     int    `json:"chunk_index"`
	} `json:"metadata"`
}

type queryData struct {
	Answer   string       `json:"answer"`
	Outcome  string       `json:"outcome"`
	Degraded bool         `json:"degraded"`
	Sources  []sourceData `json:"sources"`
}

func AskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about the uploaded documents",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}

	cmd.Flags().Bool("sources", true, "Print the sources used for the answer")

	return cmd
}

func runAsk(cmd *cobra.Command, args []string) error {
	api, err := NewAPIClientWithCmd(cmd)
	if err != nil {
		return err
	}

	resp, err := api.Post("/api/query", map[string]string{"query": strings.Join(args, " ")})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputJSON, _ := cmd.Flags().GetBool("output"); outputJSON {
		var pretty json.RawMessage = resp.Data
		data, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}

	var result queryData
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return fmt.Errorf("failed to parse query response: %w", err)
	}

	fmt.Fprintln(out, result.Answer)
	if result.Degraded {
		fmt.Fprintln(out, "\n(reranking unavailable, sources are in similarity order)")
	}
	showSources, _ := cmd.Flags().GetBool("sources")
	if !showSources || len(result.Sources) == 0 {
		return nil
	}
	fmt.Fprintln(out, "\nSources:")
	for i, s := range result.Sources {
		fmt.Fprintf(out, "  [%d] %s, page %d (score %.3f)\n", i+1, s.Metadata.SourceFilename, s.Metadata.PageNumber, s.RerankScore)
	}
	return nil
}
