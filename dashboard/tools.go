package dashboard

import (
	"context"

	"github.com/agentflow-io/agentflow/tools"
)

// RegisterUserContext exposes the aggregator's context endpoints as
// the user_context tool.
func RegisterUserContext(r *tools.Registry, client *Client) error {
	schema := tools.Schema{Parameters: []tools.ParameterSpec{
		{
			Name:        "user_id",
			Type:        "string",
			Description: "User whose context to fetch",
			Required:    true,
		},
		{
			Name:        "category",
			Type:        "string",
			Description: "Optional category, for example calendar or location",
		},
	}}

	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		userID, _ := args["user_id"].(string)
		category, _ := args["category"].(string)

		var (
			data map[string]interface{}
			err  error
		)
		if category != "" {
			data, err = client.ContextCategory(ctx, userID, category)
		} else {
			data, err = client.Context(ctx, userID)
		}
		if err != nil {
			return map[string]interface{}{"status": "error", "error": err.Error()}, nil
		}
		return map[string]interface{}{"status": "success", "data": data}, nil
	}

	return r.Register("user_context",
		"Fetch the user's current context such as calendar, location, and preferences",
		handler, schema, tools.DefaultBreakerSettings())
}

// RegisterBankTools exposes the aggregator's banking endpoints as the
// bank_activity tool. One tool with an action switch keeps the prompt
// schema small.
func RegisterBankTools(r *tools.Registry, client *Client) error {
	schema := tools.Schema{Parameters: []tools.ParameterSpec{
		{
			Name:        "user_id",
			Type:        "string",
			Description: "User whose accounts to inspect",
			Required:    true,
		},
		{
			Name:        "action",
			Type:        "string",
			Description: "What to fetch",
			Required:    true,
			Enum:        []string{"transactions", "summary", "categories", "search"},
		},
		{
			Name:        "query",
			Type:        "string",
			Description: "Free-text filter, required for the search action",
		},
		{
			Name:        "limit",
			Type:        "integer",
			Description: "Maximum transactions to return",
		},
	}}

	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		userID, _ := args["user_id"].(string)
		action, _ := args["action"].(string)
		query, _ := args["query"].(string)
		limit := 0
		if l, ok := args["limit"].(float64); ok {
			limit = int(l)
		}

		var (
			data interface{}
			err  error
		)
		switch action {
		case "transactions":
			data, err = client.BankTransactions(ctx, userID, limit)
		case "summary":
			data, err = client.BankSummary(ctx, userID)
		case "categories":
			data, err = client.BankCategories(ctx, userID)
		case "search":
			if query == "" {
				return map[string]interface{}{
					"status": "error",
					"error":  "search requires a query",
				}, nil
			}
			data, err = client.BankSearch(ctx, userID, query)
		default:
			return map[string]interface{}{
				"status": "error",
				"error":  "unknown action " + action,
			}, nil
		}
		if err != nil {
			return map[string]interface{}{"status": "error", "error": err.Error()}, nil
		}
		return map[string]interface{}{"status": "success", "data": data}, nil
	}

	return r.Register("bank_activity",
		"Look up the user's bank transactions, spending summary, or category breakdown",
		handler, schema, tools.DefaultBreakerSettings())
}
