package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/theirongolddev/herd/internal/config"
	"github.com/theirongolddev/herd/internal/events"
	"github.com/theirongolddev/herd/internal/registry"
)

func newNotifier(t *testing.T, cfg config.NotifyConfig) *Notifier {
	t.Helper()
	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestNewRejectsUnknownEvent(t *testing.T) {
	if _, err := New(config.NotifyConfig{Events: []string{"exploded"}}, nil); err == nil {
		t.Fatal("expected an error for an unknown event")
	}
	if _, err := New(config.NotifyConfig{Webhook: config.WebhookConfig{URL: "http://x", Template: "{{"}}, nil); err == nil {
		t.Fatal("expected an error for a bad template")
	}
}

func TestFromBusEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := func(typ string) events.BaseEvent {
		return events.BaseEvent{Type: typ, Timestamp: at, Worker: "bd-1"}
	}
	tests := []struct {
		name string
		ev   events.BusEvent
		want Kind
		ok   bool
	}{
		{"ask", events.ApprovalDecided{BaseEvent: base(events.TypeApproval), Action: "ask", Class: "Bash(rm)"}, KindNeedsApproval, true},
		{"allow", events.ApprovalDecided{BaseEvent: base(events.TypeApproval), Action: "allow"}, "", false},
		{"blocked", events.NewStateChanged("bd-1", registry.StatusRunning, registry.StatusBlocked, nil, at), KindBlocked, true},
		{"dead", events.NewStateChanged("bd-1", registry.StatusRunning, registry.StatusDead, nil, at), KindDead, true},
		{"running", events.NewStateChanged("bd-1", registry.StatusSpawning, registry.StatusRunning, nil, at), "", false},
		{"degraded", events.Degraded{BaseEvent: base(events.TypeDegraded), Degraded: true}, KindDegraded, true},
		{"restored", events.Degraded{BaseEvent: base(events.TypeDegraded)}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			note, ok := fromBusEvent(tt.ev)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if note.Kind != tt.want || note.WorkerID != "bd-1" || !note.Timestamp.Equal(at) {
				t.Errorf("got %+v", note)
			}
		})
	}
}

func TestWebhookDefaultTemplateIsValidJSON(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]string
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("missing custom header")
		}
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("payload is not JSON: %v", err)
		}
	}))
	defer ts.Close()

	n := newNotifier(t, config.NotifyConfig{
		Enabled: true,
		Events:  []string{"needs-approval"},
		Webhook: config.WebhookConfig{URL: ts.URL, Headers: map[string]string{"X-Token": "secret"}},
	})
	err := n.Send(context.Background(), Notification{Kind: KindNeedsApproval, WorkerID: "bd-1", Message: `approve "rm -rf"?`})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if want := `herd: bd-1 needs-approval: approve "rm -rf"?`; body["text"] != want {
		t.Errorf("text = %q, want %q", body["text"], want)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer ts.Close()

	n := newNotifier(t, config.NotifyConfig{Enabled: true, Webhook: config.WebhookConfig{URL: ts.URL}})
	err := n.Send(context.Background(), Notification{Kind: KindDead, WorkerID: "bd-1"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected a 502 error, got %v", err)
	}
}

func TestHandleWritesLogOnlyForEnabledKinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify", "herd.log")
	n := newNotifier(t, config.NotifyConfig{Enabled: true, Events: []string{"blocked"}, LogPath: path})

	at := time.Now()
	n.Handle(events.NewStateChanged("bd-1", registry.StatusRunning, registry.StatusBlocked, nil, at))
	n.Handle(events.NewStateChanged("bd-2", registry.StatusRunning, registry.StatusDead, nil, at))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, "bd-1 blocked") {
		t.Errorf("log missing blocked line: %q", got)
	}
	if strings.Contains(got, "bd-2") {
		t.Errorf("disabled kind was logged: %q", got)
	}
}

func TestDisabledNotifierIsSilent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "herd.log")
	n := newNotifier(t, config.NotifyConfig{Events: []string{"dead"}, LogPath: path})
	n.Handle(events.NewStateChanged("bd-1", registry.StatusRunning, registry.StatusDead, nil, time.Now()))
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("disabled notifier wrote %s", path)
	}
}

func TestShellReceivesNotification(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	out := filepath.Join(t.TempDir(), "out")
	n := newNotifier(t, config.NotifyConfig{
		Enabled: true,
		Shell:   config.ShellConfig{Command: `printf '%s ' "$HERD_NOTIFY_WORKER" "$HERD_NOTIFY_KIND" > ` + out + ` && cat >> ` + out},
	})
	if err := n.Send(context.Background(), Notification{Kind: KindBlocked, WorkerID: "bd-9", Message: "stuck"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.HasPrefix(got, "bd-9 blocked ") || !strings.Contains(got, `"message":"stuck"`) {
		t.Errorf("unexpected shell output %q", got)
	}
}
