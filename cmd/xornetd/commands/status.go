package commands

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running node's status endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + statusAddr + "/api/v1/status")
		if err != nil {
			return fmt.Errorf("query %s: %w", statusAddr, err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "127.0.0.1:8080", "api address of the node")
	rootCmd.AddCommand(statusCmd)
}
