package herd

import (
	"context"

	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
	"github.com/theirongolddev/herd/internal/target"
)

// SendOptions configures the send operation
type SendOptions struct {
	Target    string   // Any target accepted by the resolver
	Text      string   // Text to type literally
	Keys      []string // Named keys sent after the text
	Enter     bool     // Press enter after text
	Interrupt bool     // Send Ctrl+C instead of text
}

// Validate checks if send options are valid
func (o SendOptions) Validate() error {
	if o.Target == "" {
		return fault.New(fault.KindInvalidArgument, "", "target is required", fault.HintListWorkers)
	}
	if !o.Interrupt && o.Text == "" && len(o.Keys) == 0 {
		return fault.New(fault.KindInvalidArgument, o.Target, "text or keys are required (or use --interrupt)", "")
	}
	return nil
}

// Sender sends input to panes
type Sender struct {
	res *target.Resolver
	mux mux.Capability
}

// NewSender creates a new Sender
func NewSender(res *target.Resolver, m mux.Capability) *Sender {
	return &Sender{res: res, mux: m}
}

// Send resolves the target and sends text, keys or an interrupt to it.
func (s *Sender) Send(ctx context.Context, opts SendOptions) (target.Resolved, error) {
	if err := opts.Validate(); err != nil {
		return target.Resolved{}, err
	}
	res, err := s.res.Resolve(ctx, opts.Target)
	if err != nil {
		return target.Resolved{}, err
	}

	if opts.Interrupt {
		return res, wrapMux(res, s.mux.SendKeys(ctx, res.PaneAddress, "C-c"))
	}
	if opts.Text != "" {
		if err := s.mux.SendText(ctx, res.PaneAddress, opts.Text, opts.Enter && len(opts.Keys) == 0); err != nil {
			return res, wrapMux(res, err)
		}
	}
	if len(opts.Keys) > 0 {
		keys := opts.Keys
		if opts.Enter {
			keys = append(append([]string(nil), keys...), "Enter")
		}
		if err := s.mux.SendKeys(ctx, res.PaneAddress, keys...); err != nil {
			return res, wrapMux(res, err)
		}
	}
	return res, nil
}

// ReadOptions configures a scrollback read
type ReadOptions struct {
	Target string
	Lines  int // Scrollback lines; 0 uses the multiplexer default
}

// Reader captures pane output
type Reader struct {
	res *target.Resolver
	mux mux.Capability
}

// NewReader creates a new Reader
func NewReader(res *target.Resolver, m mux.Capability) *Reader {
	return &Reader{res: res, mux: m}
}

// Read resolves the target and returns its recent output.
func (r *Reader) Read(ctx context.Context, opts ReadOptions) (string, target.Resolved, error) {
	if opts.Target == "" {
		return "", target.Resolved{}, fault.New(fault.KindInvalidArgument, "", "target is required", fault.HintListWorkers)
	}
	if opts.Lines < 0 {
		return "", target.Resolved{}, fault.New(fault.KindInvalidArgument, opts.Target, "lines must not be negative", "")
	}
	res, err := r.res.Resolve(ctx, opts.Target)
	if err != nil {
		return "", target.Resolved{}, err
	}
	out, err := r.mux.Capture(ctx, res.PaneAddress, opts.Lines)
	if err != nil {
		return "", res, wrapMux(res, err)
	}
	return out, res, nil
}

func wrapMux(res target.Resolved, err error) error {
	if err == nil {
		return nil
	}
	return fault.Wrap(fault.KindMux, res.PaneAddress, "multiplexer command failed", "", err)
}
