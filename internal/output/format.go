// Package output renders command results as aligned text for people or as
// JSON for scripts. Every herd command writes through a Formatter.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// EnvFormat overrides format detection ("json" or "text").
const EnvFormat = "HERD_OUTPUT_FORMAT"

// Format selects how results are rendered.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

func (f Format) String() string { return string(f) }

// ParseFormat accepts "text" or "json" in any case.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text or json)", s)
}

// DetectFormat picks the format for a command writing to out. --json wins,
// then HERD_OUTPUT_FORMAT; otherwise text on a terminal and JSON on a pipe,
// so that `herd list | jq` works.
func DetectFormat(jsonFlag bool, out *os.File) Format {
	if jsonFlag {
		return FormatJSON
	}
	if f, err := ParseFormat(os.Getenv(EnvFormat)); err == nil {
		return f
	}
	if out != nil && !isTTY(out) {
		return FormatJSON
	}
	return FormatText
}

func isTTY(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Formatter writes results in one format.
type Formatter struct {
	format  Format
	w       io.Writer
	compact bool
}

// Option configures a Formatter.
type Option func(*Formatter)

func WithFormat(f Format) Option {
	return func(fm *Formatter) { fm.format = f }
}

func WithWriter(w io.Writer) Option {
	return func(fm *Formatter) { fm.w = w }
}

// WithCompact writes JSON on a single line.
func WithCompact() Option { return func(fm *Formatter) { fm.compact = true } }

// New returns a text Formatter on stdout unless options say otherwise.
func New(opts ...Option) *Formatter {
	f := &Formatter{format: FormatText, w: os.Stdout}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Formatter) IsJSON() bool { return f.format == FormatJSON }

// Render writes v as JSON, or calls text for the human rendering.
func (f *Formatter) Render(v any, text func(w io.Writer) error) error {
	if f.IsJSON() {
		return writeJSON(f.w, v, !f.compact)
	}
	return text(f.w)
}

func writeJSON(w io.Writer, v any, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
