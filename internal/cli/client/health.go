package client

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type healthData struct {
	Status    string `json:"status"`
	Namespace string `json:"namespace"`
	Vectors   int    `json:"vectors"`
}

func HealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health and vector count",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := NewAPIClientWithCmd(cmd)
			if err != nil {
				return err
			}
			health, err := fetchHealth(api)
			if err != nil {
				return err
			}

			outputJSON, _ := cmd.Flags().GetBool("output")
			out := cmd.OutOrStdout()
			if outputJSON {
				data, _ := json.MarshalIndent(health, "", "  ")
				fmt.Fprintln(out, string(data))
			} else {
				fmt.Fprintf(out, "%s: namespace %q holds %d vectors\n", health.Status, health.Namespace, health.Vectors)
			}
			if health.Status != "ok" {
				return fmt.Errorf("server is %s", health.Status)
			}
			return nil
		},
	}
}

func fetchHealth(api *APIClient) (*healthData, error) {
	resp, err := api.Get("/health")
	if err != nil {
		return nil, err
	}
	var health healthData
	if err := json.Unmarshal(resp.Data, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}
	return &health, nil
}
