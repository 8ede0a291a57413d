package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-strudel-bridge/internal/server"
)

// Client wraps the HTTP client used to query a running server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new status client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Get fetches path from the server
func (c *Client) Get(path string) ([]byte, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func statusCmd() *cobra.Command {
	var (
		url    string
		output string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := NewClient(url).Get("/status")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output == "json" {
				return printJSON(out, data)
			}

			var status server.StatusResponse
			if err := json.Unmarshal(data, &status); err != nil {
				return fmt.Errorf("failed to parse response: %w", err)
			}

			printTable(out, []string{"STATE", "PORT", "SESSIONS", "SUBSCRIBERS"}, [][]string{{
				status.State,
				strconv.Itoa(int(status.Port)),
				strconv.Itoa(status.Sessions),
				strconv.Itoa(status.Subscribers),
			}})
			return nil
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", getEnvOrDefault("STRUDEL_URL", "http://localhost:8080"), "Base URL of the running server")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table, json")

	return cmd
}

// printJSON formats and prints JSON output
func printJSON(w io.Writer, data []byte) error {
	var formatted bytes.Buffer
	if err := json.Indent(&formatted, data, "", "  "); err != nil {
		// If it's not valid JSON, just print as-is
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
	_, err := fmt.Fprintln(w, formatted.String())
	return err
}

// printTable prints data in a simple table format
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, h := range headers {
		fmt.Fprintf(w, "%-*s  ", widths[i], h)
	}
	fmt.Fprintln(w)

	for i := range headers {
		fmt.Fprintf(w, "%s  ", strings.Repeat("-", widths[i]))
	}
	fmt.Fprintln(w)

	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(w, "%-*s  ", widths[i], cell)
			}
		}
		fmt.Fprintln(w)
	}
}
