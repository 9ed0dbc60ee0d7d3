package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/theirongolddev/herd/internal/fault"
)

// CLIError represents a structured CLI error with remediation hints.
type CLIError struct {
	Message string // What failed
	Cause   string // Why it failed (optional)
	Hint    string // Fastest command/action to fix it (optional)
	Code    string // Error code for programmatic handling (optional)
	Target  string // Offending target (optional)
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	return e.Message
}

// NewCLIError creates a new CLI error with just a message.
func NewCLIError(msg string) *CLIError {
	return &CLIError{Message: msg}
}

// WithCause adds a cause to the error.
func (e *CLIError) WithCause(cause string) *CLIError {
	e.Cause = cause
	return e
}

// WithHint adds a remediation hint to the error.
func (e *CLIError) WithHint(hint string) *CLIError {
	e.Hint = hint
	return e
}

// WithCode adds an error code to the error.
func (e *CLIError) WithCode(code string) *CLIError {
	e.Code = code
	return e
}

// FromError converts any error into a CLIError. Faults keep their kind,
// target and hint.
func FromError(err error) *CLIError {
	var ce *CLIError
	if errors.As(err, &ce) {
		return ce
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		out := &CLIError{Message: fe.Message, Code: string(fe.Kind), Hint: fe.Hint, Target: fe.Target}
		if out.Message == "" {
			out.Message = string(fe.Kind)
		}
		if fe.Target != "" {
			out.Message = fmt.Sprintf("%s: %s", out.Message, fe.Target)
		}
		if fe.Err != nil {
			out.Cause = fe.Err.Error()
		}
		return out
	}
	return &CLIError{Message: err.Error()}
}

// ErrorResponse is the JSON shape of a failed command.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Target string `json:"target,omitempty"`
	Cause  string `json:"cause,omitempty"`
	Hint   string `json:"hint,omitempty"`
}

// hintWidth is the wrap width for causes and hints.
const hintWidth = 100

// FormatCLIError formats a CLIError for terminal output. Colour is applied
// only when color is set.
func FormatCLIError(e *CLIError, color bool, width int) string {
	if width <= 0 || width > hintWidth {
		width = hintWidth
	}
	label := func(c lipgloss.TerminalColor, s string, bold bool) string {
		if !color {
			return s
		}
		return lipgloss.NewStyle().Foreground(c).Bold(bold).Render(s)
	}
	wrap := func(s string) string {
		// Continuation lines line up under the text after the label.
		wrapped := wordwrap.String(s, width-10)
		first, rest, found := strings.Cut(wrapped, "\n")
		if !found {
			return first
		}
		return first + "\n" + indent.String(rest, 9)
	}

	var sb strings.Builder
	sb.WriteString(label(ColorError, "Error: ", true))
	sb.WriteString(e.Message)
	if e.Code != "" {
		sb.WriteString(" ")
		sb.WriteString(label(ColorOverlay, "["+e.Code+"]", false))
	}
	sb.WriteString("\n")
	if e.Cause != "" {
		sb.WriteString(label(ColorSubtle, "  Cause: ", false))
		sb.WriteString(wrap(e.Cause))
		sb.WriteString("\n")
	}
	if e.Hint != "" {
		sb.WriteString(label(ColorInfo, "  Hint:  ", false))
		sb.WriteString(wrap(e.Hint))
		sb.WriteString("\n")
	}
	return sb.String()
}

// PrintError reports err on stderr as styled text, or on w as JSON.
func PrintError(w io.Writer, err error, jsonMode bool) {
	e := FromError(err)
	if jsonMode {
		_ = writeJSON(w, ErrorResponse{Error: e.Message, Code: e.Code, Target: e.Target, Cause: e.Cause, Hint: e.Hint}, true)
		return
	}
	fmt.Fprint(os.Stderr, FormatCLIError(e, ColorEnabled(os.Stderr), TerminalWidth(os.Stderr, hintWidth)))
}
