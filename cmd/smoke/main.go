// Command smoke drives a running API through the producer SDK.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"veriops/internal/client"
)

var rootCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Exercise the veriops API end to end",
}

var (
	baseURL   string
	apiKey    string
	projectID string
	timeout   time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "base", envOr("API_BASE_URL", "http://localhost:8000"), "API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "key", envOr("API_KEY", "dev-key"), "API key sent as X-API-Key")
	rootCmd.PersistentFlags().StringVar(&projectID, "project", "smoke", "Project id for emitted runs")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall command timeout")
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.New(client.DefaultConfig(baseURL, apiKey, projectID))
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
