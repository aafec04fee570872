package sandbox

import (
	"context"

	"github.com/agentflow-io/agentflow/tools"
)

// RegisterExecuteCode exposes the sandbox as the execute_code tool.
// The sandbox's own verdict flows through the tool envelope: a snippet
// that exits non-zero is a status:error result, not a registry failure.
func RegisterExecuteCode(r *tools.Registry, client *Client) error {
	schema := tools.Schema{Parameters: []tools.ParameterSpec{
		{
			Name:        "code",
			Type:        "string",
			Description: "Source code to run",
			Required:    true,
		},
		{
			Name:        "language",
			Type:        "string",
			Description: "Language runtime",
			Enum:        []string{"python", "javascript", "bash"},
		},
		{
			Name:        "timeout_seconds",
			Type:        "integer",
			Description: "Wall-clock limit for the snippet",
		},
	}}

	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		req := ExecuteRequest{}
		req.Code, _ = args["code"].(string)
		req.Language, _ = args["language"].(string)
		if secs, ok := args["timeout_seconds"].(float64); ok {
			req.TimeoutSeconds = int(secs)
		}

		result, err := client.ExecuteCode(ctx, req)
		if err != nil {
			return map[string]interface{}{
				"status": "error",
				"error":  err.Error(),
			}, nil
		}

		if !result.Success {
			msg := result.ErrorMessage
			switch {
			case result.TimedOut:
				msg = "execution timed out"
			case result.MemoryExceeded:
				msg = "memory limit exceeded"
			case msg == "" && result.Stderr != "":
				msg = result.Stderr
			}
			return map[string]interface{}{
				"status":    "error",
				"error":     msg,
				"exit_code": result.ExitCode,
				"stderr":    result.Stderr,
			}, nil
		}

		return map[string]interface{}{
			"status":            "success",
			"data":              result.Stdout,
			"exit_code":         result.ExitCode,
			"execution_time_ms": result.ExecutionTimeMS,
		}, nil
	}

	return r.Register("execute_code",
		"Run a short code snippet in an isolated sandbox and return its output",
		handler, schema, tools.DefaultBreakerSettings())
}
