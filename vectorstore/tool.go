package vectorstore

import (
	"context"

	"github.com/agentflow-io/agentflow/tools"
)

// RegisterSearch exposes the store as the vector_search tool.
func RegisterSearch(r *tools.Registry, client *Client) error {
	schema := tools.Schema{Parameters: []tools.ParameterSpec{
		{
			Name:        "query",
			Type:        "string",
			Description: "Text to search for",
			Required:    true,
		},
		{
			Name:        "top_k",
			Type:        "integer",
			Description: "Number of results to return",
		},
	}}

	handler := func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		query, _ := args["query"].(string)
		topK := 0
		if k, ok := args["top_k"].(float64); ok {
			topK = int(k)
		}

		docs, err := client.Query(ctx, query, topK)
		if err != nil {
			return map[string]interface{}{
				"status": "error",
				"error":  err.Error(),
			}, nil
		}

		results := make([]map[string]interface{}, 0, len(docs))
		for _, doc := range docs {
			results = append(results, map[string]interface{}{
				"id":    doc.ID,
				"text":  doc.Text,
				"score": doc.Score,
			})
		}
		return map[string]interface{}{
			"status": "success",
			"data":   results,
		}, nil
	}

	return r.Register("vector_search",
		"Search previously archived documents by semantic similarity",
		handler, schema, tools.DefaultBreakerSettings())
}
