package client

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// InitCmd stores the server URL in the global config after checking it answers.
func InitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Configure the docqa server URL",
		Long:  "Checks that the server answers /health and saves its URL to the global config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			apiURL, _ := cmd.Flags().GetString("api-url")
			outputJSON, _ := cmd.Flags().GetBool("output")
			return runInit(cmd, apiURL, outputJSON)
		},
	}

	return cmd
}

func runInit(cmd *cobra.Command, apiURL string, outputJSON bool) error {
	if apiURL == "" {
		apiURL = os.Getenv(envAPIURL)
	}
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	api, err := NewAPIClientWithConfig(apiURL)
	if err != nil {
		return err
	}
	health, err := fetchHealth(api)
	if err != nil {
		return fmt.Errorf("server at %s is not reachable: %w", api.BaseURL(), err)
	}

	if err := SaveGlobalConfig(&GlobalConfig{APIURL: api.BaseURL()}); err != nil {
		return err
	}
	configPath, _ := GetConfigPath()

	out := cmd.OutOrStdout()
	if outputJSON {
		data, _ := json.MarshalIndent(map[string]interface{}{
			"success":   true,
			"api_url":   api.BaseURL(),
			"namespace": health.Namespace,
			"config":    configPath,
		}, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Connected to %s (namespace %q, status %s)\n", api.BaseURL(), health.Namespace, health.Status)
	fmt.Fprintf(out, "Config saved to %s\n", configPath)
	return nil
}
