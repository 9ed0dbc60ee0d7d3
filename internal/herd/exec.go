package herd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
	"github.com/theirongolddev/herd/internal/target"
)

// ExecOptions configures a command run
type ExecOptions struct {
	Target  string
	Command string
	Timeout time.Duration // 0 uses the executor default
}

// ExecResult is the outcome of a command run
type ExecResult struct {
	mux.ExecResult
	Target target.Resolved `json:"target"`
}

// Executor runs shell commands inside panes and waits for them to exit
type Executor struct {
	res            *target.Resolver
	mux            mux.Capability
	defaultTimeout time.Duration
}

// NewExecutor creates a new Executor
func NewExecutor(res *target.Resolver, m mux.Capability, defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Executor{res: res, mux: m, defaultTimeout: defaultTimeout}
}

// Exec resolves the target, then runs the command under a deadline. A
// command that outlives the deadline fails with a timeout and is not retried.
func (e *Executor) Exec(ctx context.Context, opts ExecOptions) (*ExecResult, error) {
	if opts.Target == "" {
		return nil, fault.New(fault.KindInvalidArgument, "", "target is required", fault.HintListWorkers)
	}
	if opts.Command == "" {
		return nil, fault.New(fault.KindInvalidArgument, opts.Target, "command is required", "")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	res, err := e.res.Resolve(ctx, opts.Target)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	out, err := e.mux.Exec(runCtx, res.PaneAddress, opts.Command)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fault.Wrap(fault.KindTimeout, opts.Target,
				fmt.Sprintf("command did not finish within %s", timeout),
				"raise --timeout or commands.default_timeout; the command may still be running in the pane", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, wrapMux(res, err)
	}
	if out.Duration == 0 {
		out.Duration = time.Since(start)
	}
	return &ExecResult{ExecResult: out, Target: res}, nil
}
