package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a stored run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the server exposes",
	RunE:  runModels,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := args[0]

	resp, err := http.Get(serverURL + "/api/runs/" + id)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var run struct {
		TaskID    string `json:"task_id"`
		UserID    string `json:"user_id"`
		Model     string `json:"model"`
		Status    string `json:"status"`
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
		Events    []struct {
			EventType string `json:"event_type"`
		} `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Task:     %s\n", run.TaskID)
	fmt.Printf("User:     %s\n", run.UserID)
	fmt.Printf("Status:   %s\n", run.Status)
	if run.Model != "" {
		fmt.Printf("Model:    %s\n", run.Model)
	}
	fmt.Printf("Created:  %s\n", run.CreatedAt)
	fmt.Printf("Updated:  %s\n", run.UpdatedAt)
	fmt.Printf("Events:   %d\n", len(run.Events))
	return nil
}

func runModels(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/models")
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: loft serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var list struct {
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	for _, m := range list.Models {
		fmt.Println(m)
	}
	return nil
}
