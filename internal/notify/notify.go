// Package notify tells a human when a worker needs attention: a prompt the
// trust policy left open, a blocked worker or a dead one. Notifications go
// to the desktop, a webhook, a shell command and/or a log file.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"text/template"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/theirongolddev/herd/internal/approve"
	"github.com/theirongolddev/herd/internal/config"
	"github.com/theirongolddev/herd/internal/events"
	"github.com/theirongolddev/herd/internal/registry"
)

// Kind is the type of a notification.
type Kind string

const (
	KindNeedsApproval Kind = "needs-approval" // prompt left for a human
	KindBlocked       Kind = "blocked"        // worker reported an error
	KindDead          Kind = "dead"           // worker's pane is gone
	KindDegraded      Kind = "degraded"       // worker's event stream disappeared
)

// Notification is one message to deliver.
type Notification struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"worker_id"`
	Message   string    `json:"message"`
	Class     string    `json:"class,omitempty"`
}

const sendTimeout = 10 * time.Second

// The json template func quotes a value for embedding in a JSON payload.
const defaultWebhookTemplate = `{"text": {{printf "herd: %s %s: %s" .WorkerID .Kind .Message | json}}}`

var templateFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

// Notifier delivers notifications through the configured channels.
type Notifier struct {
	cfg     config.NotifyConfig
	kinds   map[Kind]bool
	webhook *template.Template
	http    *http.Client
	log     *slog.Logger

	mu sync.Mutex // serializes log file appends
}

// New creates a Notifier. An invalid webhook template is an error.
func New(cfg config.NotifyConfig, log *slog.Logger) (*Notifier, error) {
	if log == nil {
		log = slog.Default()
	}
	n := &Notifier{cfg: cfg, kinds: make(map[Kind]bool), http: &http.Client{Timeout: sendTimeout}, log: log}
	for _, k := range cfg.Events {
		switch Kind(k) {
		case KindNeedsApproval, KindBlocked, KindDead, KindDegraded:
			n.kinds[Kind(k)] = true
		default:
			return nil, fmt.Errorf("unknown notification event %q", k)
		}
	}
	if cfg.Webhook.URL != "" {
		text := cfg.Webhook.Template
		if text == "" {
			text = defaultWebhookTemplate
		}
		tmpl, err := template.New("webhook").Funcs(templateFuncs).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook template: %w", err)
		}
		n.webhook = tmpl
	}
	return n, nil
}

// Enabled reports whether notifications of kind are delivered.
func (n *Notifier) Enabled(kind Kind) bool {
	return n.cfg.Enabled && n.kinds[kind]
}

// Handle is a bus handler that turns worker events into notifications.
func (n *Notifier) Handle(ev events.BusEvent) {
	note, ok := fromBusEvent(ev)
	if !ok || !n.Enabled(note.Kind) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := n.Send(ctx, note); err != nil {
		n.log.Warn("notification failed", "worker", note.WorkerID, "kind", note.Kind, "error", err)
	}
}

func fromBusEvent(ev events.BusEvent) (Notification, bool) {
	note := Notification{WorkerID: ev.EventWorker(), Timestamp: ev.EventTimestamp()}
	switch e := ev.(type) {
	case events.ApprovalDecided:
		if e.Action != string(approve.ActionAsk) {
			return note, false
		}
		note.Kind = KindNeedsApproval
		note.Class = e.Class
		note.Message = "waiting for approval of " + e.Class
	case events.StateChanged:
		switch e.To {
		case registry.StatusBlocked:
			note.Kind = KindBlocked
			note.Message = "worker is blocked"
		case registry.StatusDead:
			note.Kind = KindDead
			note.Message = "worker's pane is gone"
		default:
			return note, false
		}
	case events.Degraded:
		if !e.Degraded {
			return note, false
		}
		note.Kind = KindDegraded
		note.Message = "event stream missing, watching the screen"
	default:
		return note, false
	}
	return note, true
}

// Send delivers note through every configured channel in parallel and
// returns the first failure.
func (n *Notifier) Send(ctx context.Context, note Notification) error {
	if note.Timestamp.IsZero() {
		note.Timestamp = time.Now().UTC()
	}
	g, ctx := errgroup.WithContext(ctx)
	if n.cfg.Desktop {
		g.Go(func() error { return wrap("desktop", sendDesktop(ctx, note)) })
	}
	if n.webhook != nil {
		g.Go(func() error { return wrap("webhook", n.sendWebhook(ctx, note)) })
	}
	if n.cfg.Shell.Command != "" {
		g.Go(func() error { return wrap("shell", n.sendShell(ctx, note)) })
	}
	if n.cfg.LogPath != "" {
		g.Go(func() error { return wrap("log", n.sendLog(note)) })
	}
	return g.Wait()
}

func wrap(channel string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", channel, err)
	}
	return nil
}

func sendDesktop(ctx context.Context, note Notification) error {
	title := "herd: " + note.WorkerID
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, note.Message, title)
		return exec.CommandContext(ctx, "osascript", "-e", script).Run()
	case "linux":
		if _, err := exec.LookPath("notify-send"); err != nil {
			return fmt.Errorf("notify-send not found")
		}
		return exec.CommandContext(ctx, "notify-send", title, note.Message).Run()
	}
	return fmt.Errorf("desktop notifications not supported on %s", runtime.GOOS)
}

func (n *Notifier) sendWebhook(ctx context.Context, note Notification) error {
	var body bytes.Buffer
	if err := n.webhook.Execute(&body, note); err != nil {
		return fmt.Errorf("template execution failed: %w", err)
	}
	method := n.cfg.Webhook.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, n.cfg.Webhook.URL, &body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range n.cfg.Webhook.Headers {
		req.Header.Set(k, v)
	}
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// sendShell runs the command with the notification as JSON on stdin and
// as HERD_NOTIFY_* variables.
func (n *Notifier) sendShell(ctx context.Context, note Notification) error {
	data, err := json.Marshal(note)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", n.cfg.Shell.Command)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Env = append(os.Environ(),
		"HERD_NOTIFY_KIND="+string(note.Kind),
		"HERD_NOTIFY_WORKER="+note.WorkerID,
		"HERD_NOTIFY_MESSAGE="+note.Message,
		"HERD_NOTIFY_CLASS="+note.Class,
	)
	return cmd.Run()
}

func (n *Notifier) sendLog(note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(n.cfg.LogPath), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(n.cfg.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "[%s] %s %s: %s\n", note.Timestamp.Format(time.RFC3339), note.WorkerID, note.Kind, note.Message)
	return err
}
