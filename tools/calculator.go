package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RegisterCalculator adds the built-in arithmetic tool. It evaluates
// infix expressions locally, so factual/compute intents never need a
// network round trip.
func RegisterCalculator(r *Registry) error {
	schema := Schema{Parameters: []ParameterSpec{
		{
			Name:        "expression",
			Type:        "string",
			Description: "Arithmetic expression to evaluate, e.g. \"17 * 23\"",
			Required:    true,
		},
	}}
	return r.Register("calculator", "Evaluates arithmetic expressions", calculatorHandler, schema, DefaultBreakerSettings())
}

func calculatorHandler(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	expr, _ := args["expression"].(string)
	if strings.TrimSpace(expr) == "" {
		return map[string]interface{}{
			"status": "error",
			"error":  "expression is required",
		}, nil
	}

	value, err := evalExpression(expr)
	if err != nil {
		return map[string]interface{}{
			"status": "error",
			"error":  err.Error(),
		}, nil
	}

	return map[string]interface{}{
		"status":     "success",
		"expression": expr,
		"result":     formatNumber(value),
	}, nil
}

// formatNumber renders integers without a decimal point.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// evalExpression evaluates +, -, *, /, ^ and parentheses with standard
// precedence using a shunting-yard pass.
func evalExpression(expr string) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, fmt.Errorf("empty expression")
	}

	var output []float64
	var ops []byte

	apply := func() error {
		if len(output) < 2 || len(ops) == 0 {
			return fmt.Errorf("malformed expression")
		}
		op := ops[len(ops)-1]
		ops = ops[:len(ops)-1]
		b := output[len(output)-1]
		a := output[len(output)-2]
		output = output[:len(output)-2]

		var v float64
		switch op {
		case '+':
			v = a + b
		case '-':
			v = a - b
		case '*':
			v = a * b
		case '/':
			if b == 0 {
				return fmt.Errorf("division by zero")
			}
			v = a / b
		case '^':
			v = math.Pow(a, b)
		}
		output = append(output, v)
		return nil
	}

	precedence := func(op byte) int {
		switch op {
		case '+', '-':
			return 1
		case '*', '/':
			return 2
		case '^':
			return 3
		}
		return 0
	}

	for _, tok := range tokens {
		switch tok.kind {
		case tokNumber:
			output = append(output, tok.value)
		case tokOp:
			for len(ops) > 0 && ops[len(ops)-1] != '(' && precedence(ops[len(ops)-1]) >= precedence(tok.op) {
				if err := apply(); err != nil {
					return 0, err
				}
			}
			ops = append(ops, tok.op)
		case tokLParen:
			ops = append(ops, '(')
		case tokRParen:
			for len(ops) > 0 && ops[len(ops)-1] != '(' {
				if err := apply(); err != nil {
					return 0, err
				}
			}
			if len(ops) == 0 {
				return 0, fmt.Errorf("unbalanced parentheses")
			}
			ops = ops[:len(ops)-1]
		}
	}

	for len(ops) > 0 {
		if ops[len(ops)-1] == '(' {
			return 0, fmt.Errorf("unbalanced parentheses")
		}
		if err := apply(); err != nil {
			return 0, err
		}
	}
	if len(output) != 1 {
		return 0, fmt.Errorf("malformed expression")
	}
	return output[0], nil
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	value float64
	op    byte
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			v, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", expr[i:j])
			}
			tokens = append(tokens, token{kind: tokNumber, value: v})
			i = j
		case c == '+' || c == '*' || c == '/' || c == '^':
			tokens = append(tokens, token{kind: tokOp, op: c})
			i++
		case c == '-':
			// Unary minus when at the start or after an operator/open paren
			if len(tokens) == 0 || tokens[len(tokens)-1].kind == tokOp || tokens[len(tokens)-1].kind == tokLParen {
				tokens = append(tokens, token{kind: tokNumber, value: 0})
			}
			tokens = append(tokens, token{kind: tokOp, op: '-'})
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	return tokens, nil
}
