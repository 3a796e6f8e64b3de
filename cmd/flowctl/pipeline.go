package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type pipelineView struct {
	Name             string `json:"name"`
	DeploymentStatus string `json:"deployment_status"`
	DesiredStatus    string `json:"desired_status"`
	ProgramStatus    string `json:"program_status"`
	Version          int64  `json:"version"`
}

func apiRequest(method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, apiAddr+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	return http.DefaultClient.Do(req)
}

func decodeOrError(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pipelines",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiRequest(http.MethodGet, "/pipelines", nil)
			if err != nil {
				return err
			}
			var pipelines []pipelineView
			if err := decodeOrError(resp, &pipelines); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDEPLOYMENT\tDESIRED\tPROGRAM\tVERSION")
			for _, p := range pipelines {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", p.Name, p.DeploymentStatus, p.DesiredStatus, p.ProgramStatus, p.Version)
			}
			return tw.Flush()
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Show a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiRequest(http.MethodGet, "/pipelines/"+args[0], nil)
			if err != nil {
				return err
			}
			var raw json.RawMessage
			if err := decodeOrError(resp, &raw); err != nil {
				return err
			}
			pretty, err := json.MarshalIndent(raw, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(pretty))
			return nil
		},
	}
}

func createCmd() *cobra.Command {
	var codeFile, profile, description string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a pipeline from a SQL program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var code []byte
			var err error
			if codeFile != "" {
				code, err = os.ReadFile(codeFile)
				if err != nil {
					return err
				}
			}
			body, err := json.Marshal(map[string]any{
				"name":        args[0],
				"description": description,
				"code":        string(code),
				"profile":     profile,
			})
			if err != nil {
				return err
			}
			resp, err := apiRequest(http.MethodPost, "/pipelines", body)
			if err != nil {
				return err
			}
			return decodeOrError(resp, nil)
		},
	}
	cmd.Flags().StringVar(&codeFile, "code", "", "Path to a .sql file with the program text")
	cmd.Flags().StringVar(&profile, "profile", "", "Compilation profile: dev, unoptimized, optimized")
	cmd.Flags().StringVar(&description, "description", "", "Human-readable description")
	return cmd
}

func startCmd() *cobra.Command   { return lifecycleCmd("start", "Start a pipeline") }
func pauseCmd() *cobra.Command   { return lifecycleCmd("pause", "Pause a pipeline") }
func shutdownCmd() *cobra.Command { return lifecycleCmd("shutdown", "Shut down a pipeline") }

func lifecycleCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiRequest(http.MethodPost, "/pipelines/"+args[0]+"/"+verb, nil)
			if err != nil {
				return err
			}
			return decodeOrError(resp, nil)
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a shutdown pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiRequest(http.MethodDelete, "/pipelines/"+args[0], nil)
			if err != nil {
				return err
			}
			return decodeOrError(resp, nil)
		},
	}
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <name>",
		Short: "Show a pipeline's buffered worker output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiRequest(http.MethodGet, "/pipelines/"+args[0]+"/logs", nil)
			if err != nil {
				return err
			}
			var out struct {
				Stdout string   `json:"stdout"`
				Stderr string   `json:"stderr"`
				Tail   []string `json:"tail"`
			}
			if err := decodeOrError(resp, &out); err != nil {
				return err
			}
			fmt.Println("--- stdout ---")
			fmt.Println(out.Stdout)
			fmt.Println("--- stderr ---")
			fmt.Println(out.Stderr)
			for _, line := range out.Tail {
				fmt.Println(line)
			}
			return nil
		},
	}
}
