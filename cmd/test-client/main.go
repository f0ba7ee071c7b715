// Command test-client is a small MCP smoke-test client: it launches the
// loki-mcp binary in stdio mode as a subprocess, lists its tool catalog,
// and calls one tool (loki_health, loki_list_labels, loki_query_logs, or
// loki_run_saved_query) with flag-supplied arguments, printing the result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	binary := flag.String("binary", "./loki-mcp", "path to the loki-mcp binary")
	operation := flag.String("op", "health", "Operation: health, list-labels, query-logs, or run-saved-query")
	query := flag.String("query", "", "LogQL query (for query-logs)")
	label := flag.String("label", "", "Label name (for list-label-values, unused here)")
	name := flag.String("name", "", "Saved query name (for run-saved-query)")
	startTime := flag.String("start", "", "Range start (RFC3339 or relative; empty leaves the tool's default; sent as override_range for run-saved-query)")
	endTime := flag.String("end", "", "Range end (RFC3339 or relative, default now)")
	limit := flag.Int("limit", 100, "Max lines to return (for query-logs)")
	flag.Parse()

	ctx := context.Background()

	client := mcp.NewClient(&mcp.Implementation{Name: "loki-mcp-test-client", Version: "v1.0.0"}, nil)

	fmt.Println("Connecting to loki-mcp...")
	transport := &mcp.CommandTransport{Command: exec.Command(*binary, "stdio")}
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		log.Fatalf("Connect failed: %v", err)
	}
	defer session.Close()

	fmt.Println("\nAvailable tools:")
	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		log.Fatalf("ListTools failed: %v", err)
	}
	for _, tool := range tools.Tools {
		fmt.Printf("  - %s\n    %s\n", tool.Name, tool.Description)
	}

	fmt.Printf("\nExecuting: %s\n", *operation)
	var params *mcp.CallToolParams

	switch *operation {
	case "health":
		params = &mcp.CallToolParams{Name: "loki_health", Arguments: map[string]any{}}

	case "list-labels":
		args := map[string]any{"start": *startTime, "end": *endTime}
		removeEmptyStrings(args)
		params = &mcp.CallToolParams{Name: "loki_list_labels", Arguments: args}
		_ = label

	case "query-logs":
		if *query == "" {
			log.Fatalf("query is required for query-logs operation")
		}
		args := map[string]any{
			"query": *query,
			"start": *startTime,
			"end":   *endTime,
			"limit": *limit,
		}
		removeEmptyStrings(args)
		params = &mcp.CallToolParams{Name: "loki_query_logs", Arguments: args}

	case "run-saved-query":
		if *name == "" {
			log.Fatalf("name is required for run-saved-query operation")
		}
		args := map[string]any{"name": *name, "override_range": *startTime}
		removeEmptyStrings(args)
		params = &mcp.CallToolParams{Name: "loki_run_saved_query", Arguments: args}

	default:
		log.Fatalf("unknown operation: %s", *operation)
	}

	fmt.Println("\nCalling tool...")
	res, err := session.CallTool(ctx, params)
	if err != nil {
		log.Fatalf("CallTool failed: %v", err)
	}

	if res.IsError {
		fmt.Println("\ntool returned an error:")
		for _, c := range res.Content {
			if tc, ok := c.(*mcp.TextContent); ok {
				fmt.Printf("  %s\n", tc.Text)
			}
		}
		return
	}

	fmt.Println("\ntool succeeded:")
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			var data interface{}
			if err := json.Unmarshal([]byte(tc.Text), &data); err == nil {
				b, _ := json.MarshalIndent(data, "", "  ")
				fmt.Printf("%s\n", string(b))
			} else {
				fmt.Printf("%s\n", tc.Text)
			}
		}
	}
}

func removeEmptyStrings(m map[string]any) {
	for k, v := range m {
		if s, ok := v.(string); ok && s == "" {
			delete(m, k)
		}
	}
}
