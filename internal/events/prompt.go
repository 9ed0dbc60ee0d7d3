package events

import (
	"regexp"
	"strings"
	"time"
)

// ansiEscapeRegex matches ANSI escape sequences for stripping
// Includes CSI sequences (with private mode ?) and OSC sequences (title setting etc)
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\a\x1b]*(\a|\x1b\\)`)

// StripANSI removes ANSI escape sequences from a string
func StripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// Prompt is an approval prompt a worker is blocked on.
type Prompt struct {
	// Tool is empty when the prompt could not be attributed to a tool.
	Tool       string    `json:"tool"`
	Subject    string    `json:"subject,omitempty"`
	Text       string    `json:"text,omitempty"`
	Source     string    `json:"source"` // "stream" or "screen"
	DetectedAt time.Time `json:"detected_at"`

	// shell and lines are the shell tool and command lines shown under a
	// "Bash command" header, kept so the stream can complete them.
	shell string
	lines []string
}

func (p Prompt) same(o Prompt) bool {
	return p.Tool == o.Tool && p.Subject == o.Subject && p.Text == o.Text &&
		p.Source == o.Source && p.DetectedAt.Equal(o.DetectedAt)
}

// Class renders the prompt as Tool(subject).
func (p Prompt) Class() string {
	if p.Subject == "" {
		return p.Tool
	}
	return p.Tool + "(" + p.Subject + ")"
}

var (
	questionRe = regexp.MustCompile(`(?i)(do you want to (proceed|make this edit|create|run|allow|overwrite)|allow (this|command|execution)|allow\s+[A-Za-z][\w-]*\(.*\)\s*\?|approve (this|command)|\(y/n\)|\[y/n\])`)
	editRe     = regexp.MustCompile(`(?i)do you want to make this edit to (.+?)\?`)
	createRe   = regexp.MustCompile(`(?i)do you want to (?:create|overwrite) (.+?)\?`)
	allowRe    = regexp.MustCompile(`(?i)allow\s+([A-Za-z][\w-]*)\((.*)\)\s*\?`)
	headerRe   = regexp.MustCompile(`(?i)^(bash|shell) command$`)
	boxChars   = "│|╭╮╰╯─ \t"
)

// promptWindow is how many trailing non-empty lines are searched.
const promptWindow = 20

// DetectPrompt looks for an approval prompt at the bottom of captured pane
// output. It reports the tool and subject when the prompt names them.
func DetectPrompt(output string) (Prompt, bool) {
	lines := tailLines(StripANSI(output), promptWindow)
	q := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if questionRe.MatchString(lines[i]) {
			q = i
			break
		}
	}
	if q < 0 {
		return Prompt{}, false
	}
	p := Prompt{Text: lines[q], Source: "screen"}

	if m := editRe.FindStringSubmatch(lines[q]); m != nil {
		p.Tool, p.Subject = "Edit", strings.TrimSpace(m[1])
		return p, true
	}
	if m := createRe.FindStringSubmatch(lines[q]); m != nil {
		p.Tool, p.Subject = "Write", strings.TrimSpace(m[1])
		return p, true
	}
	if m := allowRe.FindStringSubmatch(lines[q]); m != nil {
		p.Tool, p.Subject = m[1], strings.TrimSpace(m[2])
		return p, true
	}
	// A "Bash command" header above the question is followed by the command.
	// Only a single command line is attributed: the screen cannot tell a
	// multi-line command from a command plus its description.
	for i := q - 1; i >= 0; i-- {
		if headerRe.MatchString(lines[i]) {
			p.shell = "Bash"
			p.lines = lines[i+1 : q]
			if len(p.lines) == 1 {
				p.Tool, p.Subject = "Bash", p.lines[0]
			}
			break
		}
	}
	return p, true
}

func tailLines(s string, n int) []string {
	raw := strings.Split(s, "\n")
	var out []string
	for i := len(raw) - 1; i >= 0 && len(out) < n; i-- {
		line := strings.Trim(raw[i], boxChars)
		if line != "" {
			out = append(out, line)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
