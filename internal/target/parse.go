// Package target turns caller-supplied address strings into live panes.
//
// Resolution is two steps. Parse classifies the string into one of five
// reference kinds using only a snapshot of registered worker ids. Resolver
// then looks the reference up and confirms the pane is live.
package target

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/theirongolddev/herd/internal/fault"
	"github.com/theirongolddev/herd/internal/mux"
)

// Sep separates a worker from a sub-pane index, or a session from a window.
const Sep = ":"

// Via names the tier a target resolved through.
type Via string

const (
	ViaRaw           Via = "raw"
	ViaWorkerPrimary Via = "worker-primary"
	ViaWorkerSubPane Via = "worker-subpane"
	ViaSessionWindow Via = "session-window"
	ViaSession       Via = "session"
)

// Ref is a parsed target. The concrete type is one of RawAddress,
// WorkerRef, WorkerSubRef, SessionWindowRef or SessionRef.
type Ref interface {
	Via() Via
	String() string
}

// RawAddress is a native pane id such as "%17".
type RawAddress struct{ Address string }

// WorkerRef names a worker's primary pane.
type WorkerRef struct{ ID string }

// WorkerSubRef names logical pane Index of a worker; 0 is the primary.
type WorkerSubRef struct {
	ID    string
	Index int
}

// SessionWindowRef names the active pane of a window.
type SessionWindowRef struct{ Session, Window string }

// SessionRef names the active pane of a session's current window.
type SessionRef struct{ Session string }

func (RawAddress) Via() Via       { return ViaRaw }
func (WorkerRef) Via() Via        { return ViaWorkerPrimary }
func (WorkerSubRef) Via() Via     { return ViaWorkerSubPane }
func (SessionWindowRef) Via() Via { return ViaSessionWindow }
func (SessionRef) Via() Via       { return ViaSession }

func (r RawAddress) String() string       { return r.Address }
func (r WorkerRef) String() string        { return r.ID }
func (r WorkerSubRef) String() string     { return fmt.Sprintf("%s%s%d", r.ID, Sep, r.Index) }
func (r SessionWindowRef) String() string { return r.Session + Sep + r.Window }
func (r SessionRef) String() string       { return r.Session }

// Parse classifies target. workers is the set of registered worker ids at
// the time of the call. The separator denotes a sub-pane index only when the
// text to its left is a registered worker id.
func Parse(target string, workers map[string]bool) (Ref, error) {
	if strings.TrimSpace(target) == "" {
		return nil, fault.New(fault.KindInvalidArgument, target, "empty target", fault.HintListSessions)
	}

	// Tier 1: raw pane address.
	if strings.HasPrefix(target, mux.RawPrefix) {
		if !mux.IsRawAddress(target) {
			return nil, fault.New(fault.KindUnknownTarget, target, "malformed pane address", "pane addresses look like %17; "+fault.HintListSessions)
		}
		return RawAddress{Address: target}, nil
	}

	// Tier 2: worker + sub-pane index.
	if i := strings.LastIndex(target, Sep); i > 0 && workers[target[:i]] {
		id, idx := target[:i], target[i+len(Sep):]
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return nil, fault.New(fault.KindUnknownTarget, target,
				fmt.Sprintf("%q is not a sub-pane index of worker %s", idx, id),
				fmt.Sprintf("use %s%s0 for the primary pane or run 'herd list' to see sub-panes", id, Sep))
		}
		return WorkerSubRef{ID: id, Index: n}, nil
	}

	// Tier 3: exact worker id.
	if workers[target] {
		return WorkerRef{ID: target}, nil
	}

	// Tier 4: session:window.
	if i := strings.Index(target, Sep); i >= 0 {
		session, window := target[:i], target[i+len(Sep):]
		if session == "" || window == "" {
			return nil, fault.New(fault.KindUnknownTarget, target, "incomplete session:window target", fault.HintListSessions)
		}
		return SessionWindowRef{Session: session, Window: window}, nil
	}

	// Tier 5: bare session.
	return SessionRef{Session: target}, nil
}
