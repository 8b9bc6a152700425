// Command agentdemo runs a single agent turn against a real model provider
// and prints the streamed events. It exists to exercise the full stack end to
// end: model adapter, middleware chain, tool dispatch, session persistence
// and the event wire.
//
// Usage:
//
//	OPENAI_API_KEY=... agentdemo -prompt "What time is it in UTC?"
//	ANTHROPIC_API_KEY=... agentdemo -provider anthropic -model claude-sonnet-4-5
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"goa.design/clue/log"

	"goa.design/agentcore/features/model/anthropic"
	"goa.design/agentcore/features/model/middleware"
	"goa.design/agentcore/features/model/openai"
	"goa.design/agentcore/runtime/executor"
	"goa.design/agentcore/runtime/model"
	"goa.design/agentcore/runtime/run"
	"goa.design/agentcore/runtime/session/inmem"
	"goa.design/agentcore/runtime/step"
	"goa.design/agentcore/runtime/tools"
	"goa.design/agentcore/runtime/wire"
)

func main() {
	var (
		providerF = flag.String("provider", "openai", "Model provider (openai or anthropic)")
		modelF    = flag.String("model", "", "Model identifier (defaults per provider)")
		promptF   = flag.String("prompt", "What time is it in UTC?", "User prompt")
		sessionF  = flag.String("session", "", "Session ID to continue (empty starts a new one)")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	client, modelName, err := buildClient(*providerF, *modelF)
	if err != nil {
		log.Fatal(ctx, err)
	}

	// Retry transient rate limits and trace every model invocation.
	client = middleware.Tracing()(client)
	client = middleware.Retry(middleware.DefaultRetryConfig())(client)

	registry, err := tools.NewRegistry(clockTool())
	if err != nil {
		log.Fatal(ctx, err)
	}

	agent, err := executor.New(executor.Options{
		ID:           "demo",
		Name:         "Demo Assistant",
		SystemPrompt: "You are a concise assistant. Use the clock tool for time questions.",
		Model:        client,
		ModelName:    modelName,
		Tools:        registry,
		Store:        inmem.New(),
	})
	if err != nil {
		log.Fatal(ctx, err)
	}

	w, rctx, err := agent.RunStream(ctx, *promptF, executor.StreamOptions{SessionID: *sessionF})
	if err != nil {
		log.Fatal(ctx, err)
	}
	log.Print(ctx, log.KV{K: "run_id", V: rctx.RunID}, log.KV{K: "session_id", V: rctx.SessionID})

	if err := render(ctx, w); err != nil {
		log.Fatal(ctx, err)
	}
}

// buildClient constructs the provider adapter from environment credentials.
func buildClient(provider, modelName string) (model.Client, string, error) {
	switch provider {
	case "openai":
		if modelName == "" {
			modelName = "gpt-4o-mini"
		}
		c, err := openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), modelName)
		return c, modelName, err
	case "anthropic":
		if modelName == "" {
			modelName = "claude-sonnet-4-5"
		}
		c, err := anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), modelName)
		return c, modelName, err
	default:
		return nil, "", fmt.Errorf("unknown provider %q", provider)
	}
}

// clockTool reports the current time, optionally in a named IANA zone.
func clockTool() tools.Tool {
	return &tools.FuncTool{
		Def: model.ToolDefinition{
			Name:        "clock",
			Description: "Returns the current time. Accepts an optional IANA time zone name.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"zone": map[string]any{"type": "string"},
				},
			},
		},
		Fn: func(_ context.Context, args map[string]any, _ *run.Context) (*tools.Result, error) {
			loc := time.UTC
			if zone, ok := args["zone"].(string); ok && zone != "" {
				l, err := time.LoadLocation(zone)
				if err != nil {
					return nil, fmt.Errorf("unknown time zone %q", zone)
				}
				loc = l
			}
			return &tools.Result{
				Content:   time.Now().In(loc).Format(time.RFC1123),
				IsSuccess: true,
			}, nil
		},
	}
}

// render drains the wire, writing assistant deltas to stdout and reporting
// lifecycle transitions.
func render(ctx context.Context, w *wire.Wire) error {
	var failed error
	for {
		ev, err := w.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return failed
			}
			return err
		}
		switch ev.Type {
		case wire.EventStepDelta:
			if ev.Delta != nil && ev.Delta.Content != "" {
				fmt.Print(ev.Delta.Content)
			}
		case wire.EventStepCompleted:
			if ev.Step != nil && ev.Step.Role == step.RoleTool {
				log.Print(ctx, log.KV{K: "tool", V: ev.Step.ToolName}, log.KV{K: "result", V: ev.Step.Content})
			}
		case wire.EventRunCompleted:
			fmt.Println()
			log.Print(ctx, log.KV{K: "run", V: "completed"}, log.KV{K: "reason", V: ev.Data["termination_reason"]})
		case wire.EventRunFailed:
			fmt.Println()
			failed = fmt.Errorf("run failed: %v", ev.Data["error"])
		}
	}
}
