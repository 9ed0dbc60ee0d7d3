package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/theirongolddev/herd/internal/mux"
)

// Task is one unit of work to run in its own worker.
type Task struct {
	Ref string `yaml:"ref" json:"ref"`
	// WorkerID defaults to a name derived from Ref.
	WorkerID string `yaml:"worker,omitempty" json:"worker_id,omitempty"`
	Command  string `yaml:"command,omitempty" json:"command,omitempty"`
	WorkDir  string `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	// Status is "ready" (or empty) for tasks that may be selected.
	Status string `yaml:"status,omitempty" json:"-"`
}

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Worker returns the worker id the task runs as.
func (t Task) Worker() string {
	if t.WorkerID != "" {
		return t.WorkerID
	}
	id := strings.Trim(unsafeIDChars.ReplaceAllString(t.Ref, "-"), "-")
	if id == "" || mux.IsRawAddress(id) {
		id = "task-" + id
	}
	return id
}

// TaskSource lists the tasks that are ready to run.
type TaskSource interface {
	Ready() ([]Task, error)
}

// FileTaskSource reads tasks from a YAML file:
//
//	tasks:
//	  - ref: auth-login
//	    command: claude -p "implement login"
//	  - ref: auth-logout
//	    status: done
type FileTaskSource struct {
	Path string
}

type taskFile struct {
	Tasks []Task `yaml:"tasks"`
}

// Ready implements TaskSource.
func (s FileTaskSource) Ready() ([]Task, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("%s: YAML parse error: %w", s.Path, err)
	}
	var out []Task
	for i, t := range tf.Tasks {
		if t.Ref == "" {
			return nil, fmt.Errorf("%s: task %d has no ref", s.Path, i+1)
		}
		if t.Status == "" || strings.EqualFold(t.Status, "ready") {
			out = append(out, t)
		}
	}
	return out, nil
}

// Select returns the tasks whose ref matches pattern. A pattern starting
// with "re:" is a regular expression; anything else is a glob.
func Select(tasks []Task, pattern string) ([]Task, error) {
	match, err := matcher(pattern)
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range tasks {
		if match(t.Ref) {
			out = append(out, t)
		}
	}
	return out, nil
}

func matcher(pattern string) (func(string) bool, error) {
	if expr, ok := strings.CutPrefix(pattern, "re:"); ok {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid selection regex: %w", err)
		}
		return re.MatchString, nil
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid selection glob %q: %w", pattern, err)
	}
	return func(ref string) bool {
		ok, _ := filepath.Match(pattern, ref)
		return ok
	}, nil
}

// Refs turns plain task references into tasks.
func Refs(refs ...string) []Task {
	out := make([]Task, len(refs))
	for i, r := range refs {
		out[i] = Task{Ref: r}
	}
	return out
}
