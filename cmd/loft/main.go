// Loft is the backend for an agentic IDE: it runs LLM-driven coding agents
// against in-memory projects, executes code in remote sandboxes, and streams
// progress to the editor over SSE.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "loft",
	Short: "Loft - agentic IDE backend",
	Long: `Loft runs LLM coding agents against in-memory projects and executes code
in remote ephemeral sandboxes.

  loft serve              Start the API server
  loft models             List the models the server exposes
  loft status <task-id>   Show a stored run record`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("LOFT_SERVER", "http://localhost:8081"), "Loft server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
