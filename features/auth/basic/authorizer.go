// Package basic provides a simple tools.Authorizer that enforces optional
// allow/block lists and caches per-user grants. It covers the common case
// where teams want lightweight consent filtering without building a bespoke
// permission service.
package basic

import (
	"context"
	"strings"
	"sync"

	"goa.design/agentcore/runtime/run"
	"goa.design/agentcore/runtime/tools"
)

type (
	// Options configures the authorizer.
	Options struct {
		// AllowTools explicitly allowlists tool names. When non-empty, any
		// tool not listed is denied.
		AllowTools []string
		// BlockTools explicitly denies tool names. Takes precedence over
		// AllowTools.
		BlockTools []string
		// Prompter asks the user when the lists do not decide. Nil denies
		// undecided calls.
		Prompter Prompter
		// DisableGrantCache re-prompts on every call instead of remembering
		// per-user approvals.
		DisableGrantCache bool
	}

	// Prompter obtains an interactive consent decision. Implementations may
	// suspend awaiting user input and must honor ctx deadlines.
	Prompter interface {
		Prompt(ctx context.Context, userID, toolName string, args map[string]any) (bool, error)
	}

	// Authorizer implements tools.Authorizer with list filtering, an
	// optional interactive prompter, and a per-user grant cache.
	Authorizer struct {
		allow    map[string]struct{}
		block    map[string]struct{}
		prompter Prompter
		caching  bool

		mu     sync.RWMutex
		grants map[string]bool // userID + "\x00" + toolName
	}
)

// New builds an Authorizer using the supplied options.
func New(opts Options) *Authorizer {
	return &Authorizer{
		allow:    toSet(opts.AllowTools),
		block:    toSet(opts.BlockTools),
		prompter: opts.Prompter,
		caching:  !opts.DisableGrantCache,
		grants:   make(map[string]bool),
	}
}

// Check implements tools.Authorizer.
func (a *Authorizer) Check(ctx context.Context, userID, toolName string, args map[string]any, _ *run.Context) (tools.Decision, error) {
	if _, blocked := a.block[toolName]; blocked {
		return tools.Decision{Reason: "tool is blocked by policy"}, nil
	}
	if len(a.allow) > 0 {
		if _, ok := a.allow[toolName]; !ok {
			return tools.Decision{Reason: "tool is not on the allow list"}, nil
		}
		// Allowlisted tools proceed without prompting.
		return tools.Decision{Allowed: true, FromCache: true}, nil
	}

	key := userID + "\x00" + toolName
	if a.caching {
		a.mu.RLock()
		allowed, ok := a.grants[key]
		a.mu.RUnlock()
		if ok {
			reason := ""
			if !allowed {
				reason = "previously denied by the user"
			}
			return tools.Decision{Allowed: allowed, Reason: reason, FromCache: true}, nil
		}
	}

	if a.prompter == nil {
		return tools.Decision{Reason: "no consent channel available"}, nil
	}
	allowed, err := a.prompter.Prompt(ctx, userID, toolName, args)
	if err != nil {
		return tools.Decision{}, err
	}
	if a.caching {
		a.mu.Lock()
		a.grants[key] = allowed
		a.mu.Unlock()
	}
	reason := ""
	if !allowed {
		reason = "denied by the user"
	}
	return tools.Decision{Allowed: allowed, Reason: reason}, nil
}

func toSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}
