package mux

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Fake is an in-memory Capability for tests. Panes get sequential "%N" ids.
// Helper methods mutate state out-of-band the way a user or a crashed
// process would.
type Fake struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]*fakeSession
	panes    map[string]*fakePane

	// ExecFunc, when set, produces the result of Exec.
	ExecFunc func(pane, command string) (ExecResult, error)
	// Errors injects failures by operation name ("KillPane", "NewWindow", ...).
	Errors map[string]error
}

type fakeSession struct {
	name    string
	windows []*fakeWindow
	current int
	nextWin int
}

type fakeWindow struct {
	index  int
	name   string
	panes  []string
	active string
}

type fakePane struct {
	pane   Pane
	output string
	keys   []string
	text   []string
}

// NewFake returns an empty fake multiplexer.
func NewFake() *Fake {
	return &Fake{
		sessions: make(map[string]*fakeSession),
		panes:    make(map[string]*fakePane),
		Errors:   make(map[string]error),
	}
}

func (f *Fake) fail(op string) error {
	if err, ok := f.Errors[op]; ok {
		return err
	}
	return nil
}

func (f *Fake) newPane(session string, w *fakeWindow) string {
	f.nextID++
	id := fmt.Sprintf("%%%d", f.nextID)
	f.panes[id] = &fakePane{pane: Pane{
		ID:          id,
		Session:     session,
		WindowIndex: w.index,
		WindowName:  w.name,
		Index:       len(w.panes),
		Command:     "bash",
	}}
	w.panes = append(w.panes, id)
	if w.active == "" {
		w.active = id
	}
	return id
}

// AddSession creates a session with one window and returns its pane id.
func (f *Fake) AddSession(session, window string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{name: session, nextWin: 1}
	f.sessions[session] = s
	w := &fakeWindow{index: 0, name: window}
	s.windows = append(s.windows, w)
	return f.newPane(session, w)
}

// AddWindow adds a window to an existing session and returns its pane id.
func (f *Fake) AddWindow(session, window string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[session]
	w := &fakeWindow{index: s.nextWin, name: window}
	s.nextWin++
	s.windows = append(s.windows, w)
	return f.newPane(session, w)
}

// Kill removes a pane as if it died outside herd's control.
func (f *Fake) Kill(pane string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removePane(pane)
}

// MarkDead keeps the pane listed but flags its process as exited.
func (f *Fake) MarkDead(pane string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[pane]; ok {
		p.pane.Dead = true
	}
}

// KillSession removes a session and all its panes.
func (f *Fake) KillSession(session string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[session]
	if !ok {
		return
	}
	for _, w := range s.windows {
		for _, id := range w.panes {
			delete(f.panes, id)
		}
	}
	delete(f.sessions, session)
}

// SetOutput replaces the captured scrollback of a pane.
func (f *Fake) SetOutput(pane, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[pane]; ok {
		p.output = output
	}
}

// SentKeys returns the named keys sent to a pane.
func (f *Fake) SentKeys(pane string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[pane]; ok {
		return append([]string(nil), p.keys...)
	}
	return nil
}

// SentText returns the literal text sent to a pane.
func (f *Fake) SentText(pane string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.panes[pane]; ok {
		return append([]string(nil), p.text...)
	}
	return nil
}

// PaneCount returns the number of panes currently alive.
func (f *Fake) PaneCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.panes)
}

func (f *Fake) removePane(pane string) {
	p, ok := f.panes[pane]
	if !ok {
		return
	}
	delete(f.panes, pane)
	s := f.sessions[p.pane.Session]
	if s == nil {
		return
	}
windows:
	for wi, w := range s.windows {
		for i, id := range w.panes {
			if id != pane {
				continue
			}
			w.panes = append(w.panes[:i], w.panes[i+1:]...)
			if w.active == pane {
				w.active = ""
				if len(w.panes) > 0 {
					w.active = w.panes[0]
				}
			}
			if len(w.panes) == 0 {
				s.windows = append(s.windows[:wi], s.windows[wi+1:]...)
			}
			break windows
		}
	}
	if len(s.windows) == 0 {
		delete(f.sessions, s.name)
	}
}

// SessionExists implements Capability.
func (f *Fake) SessionExists(ctx context.Context, session string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("SessionExists"); err != nil {
		return false, err
	}
	_, ok := f.sessions[session]
	return ok, nil
}

// CreateSession implements Capability.
func (f *Fake) CreateSession(ctx context.Context, session, window, dir string) (string, error) {
	f.mu.Lock()
	if err := f.fail("CreateSession"); err != nil {
		f.mu.Unlock()
		return "", err
	}
	if _, ok := f.sessions[session]; ok {
		f.mu.Unlock()
		return "", fmt.Errorf("duplicate session: %s", session)
	}
	f.mu.Unlock()
	return f.AddSession(session, window), nil
}

// NewWindow implements Capability.
func (f *Fake) NewWindow(ctx context.Context, session, window, dir string) (string, error) {
	f.mu.Lock()
	if err := f.fail("NewWindow"); err != nil {
		f.mu.Unlock()
		return "", err
	}
	if _, ok := f.sessions[session]; !ok {
		f.mu.Unlock()
		return "", ErrNoSuchSession
	}
	f.mu.Unlock()
	return f.AddWindow(session, window), nil
}

// SplitPane implements Capability.
func (f *Fake) SplitPane(ctx context.Context, pane, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("SplitPane"); err != nil {
		return "", err
	}
	p, ok := f.panes[pane]
	if !ok {
		return "", ErrNoSuchPane
	}
	s := f.sessions[p.pane.Session]
	for _, w := range s.windows {
		if w.index == p.pane.WindowIndex {
			return f.newPane(s.name, w), nil
		}
	}
	return "", ErrNoSuchWindow
}

// Pane implements Capability.
func (f *Fake) Pane(ctx context.Context, pane string) (Pane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Pane"); err != nil {
		return Pane{}, err
	}
	p, ok := f.panes[pane]
	if !ok {
		return Pane{}, ErrNoSuchPane
	}
	return f.snapshot(p), nil
}

func (f *Fake) snapshot(p *fakePane) Pane {
	out := p.pane
	if s := f.sessions[out.Session]; s != nil {
		for _, w := range s.windows {
			if w.index == out.WindowIndex {
				out.Active = w.active == out.ID
			}
		}
	}
	return out
}

// ListPanes implements Capability.
func (f *Fake) ListPanes(ctx context.Context, session string) ([]Pane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[session]
	if !ok {
		return nil, ErrNoSuchSession
	}
	var out []Pane
	for _, w := range s.windows {
		for _, id := range w.panes {
			out = append(out, f.snapshot(f.panes[id]))
		}
	}
	return out, nil
}

// WindowPane implements Capability.
func (f *Fake) WindowPane(ctx context.Context, session, window string) (Pane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[session]
	if !ok {
		return Pane{}, ErrNoSuchSession
	}
	for _, w := range s.windows {
		if w.name == window || fmt.Sprint(w.index) == window {
			return f.snapshot(f.panes[w.active]), nil
		}
	}
	return Pane{}, ErrNoSuchWindow
}

// SessionPane implements Capability.
func (f *Fake) SessionPane(ctx context.Context, session string) (Pane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[session]
	if !ok || len(s.windows) == 0 {
		return Pane{}, ErrNoSuchSession
	}
	idx := s.current
	if idx >= len(s.windows) {
		idx = 0
	}
	return f.snapshot(f.panes[s.windows[idx].active]), nil
}

// KillPane implements Capability.
func (f *Fake) KillPane(ctx context.Context, pane string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("KillPane"); err != nil {
		return err
	}
	if _, ok := f.panes[pane]; !ok {
		return ErrNoSuchPane
	}
	f.removePane(pane)
	return nil
}

// SendText implements Capability.
func (f *Fake) SendText(ctx context.Context, pane, text string, enter bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("SendText"); err != nil {
		return err
	}
	p, ok := f.panes[pane]
	if !ok {
		return ErrNoSuchPane
	}
	p.text = append(p.text, text)
	if enter {
		p.keys = append(p.keys, "Enter")
	}
	return nil
}

// SendKeys implements Capability.
func (f *Fake) SendKeys(ctx context.Context, pane string, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("SendKeys"); err != nil {
		return err
	}
	p, ok := f.panes[pane]
	if !ok {
		return ErrNoSuchPane
	}
	p.keys = append(p.keys, keys...)
	return nil
}

// Capture implements Capability.
func (f *Fake) Capture(ctx context.Context, pane string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Capture"); err != nil {
		return "", err
	}
	p, ok := f.panes[pane]
	if !ok {
		return "", ErrNoSuchPane
	}
	all := strings.Split(p.output, "\n")
	if lines > 0 && len(all) > lines {
		all = all[len(all)-lines:]
	}
	return strings.Join(all, "\n"), nil
}

// Exec implements Capability.
func (f *Fake) Exec(ctx context.Context, pane, command string) (ExecResult, error) {
	f.mu.Lock()
	if _, ok := f.panes[pane]; !ok {
		f.mu.Unlock()
		return ExecResult{}, ErrNoSuchPane
	}
	fn := f.ExecFunc
	f.mu.Unlock()
	if fn == nil {
		return ExecResult{}, nil
	}
	type result struct {
		res ExecResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := fn(pane, command)
		done <- result{r, err}
	}()
	select {
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	case r := <-done:
		return r.res, r.err
	}
}

// Sessions returns the names of all live sessions, sorted.
func (f *Fake) Sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sessions))
	for name := range f.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
