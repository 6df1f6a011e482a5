package workflow

import (
	"context"
	"errors"
	"strings"
)

// RegisterBuiltins installs the stock workflows shipped with the gateway.
func RegisterBuiltins(r *Registry) error {
	builtins := []Workflow{newEchoWorkflow(), newWordCountWorkflow()}
	for _, w := range builtins {
		if err := r.Register(w); err != nil {
			return err
		}
	}
	return nil
}

func newEchoWorkflow() Workflow {
	return &Func{
		WorkflowName: "echo",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []string{"message"},
		},
		Fn: func(_ context.Context, input map[string]any) (map[string]any, error) {
			msg, ok := input["message"].(string)
			if !ok {
				return nil, errors.New("message must be a string")
			}
			return map[string]any{"message": msg}, nil
		},
	}
}

func newWordCountWorkflow() Workflow {
	return &Func{
		WorkflowName: "word_count",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Fn: func(_ context.Context, input map[string]any) (map[string]any, error) {
			text, ok := input["text"].(string)
			if !ok {
				return nil, errors.New("text must be a string")
			}
			return map[string]any{
				"words":      len(strings.Fields(text)),
				"characters": len(text),
			}, nil
		},
	}
}
