package filter

import (
	"strings"

	"github.com/migadu/mailflow/server"
)

// Action is one typed action produced by a rule or by domain policy.
// The set of implementations is closed.
type Action interface {
	kind() actionKind
}

type actionKind int

const (
	kindSeen actionKind = iota
	kindFlag
	kindSpam
	kindDelete
	kindMailbox
	kindTargets
)

type (
	SeenAction    struct{ Value bool }
	FlagAction    struct{ Value bool }
	SpamAction    struct{ Value bool }
	DeleteAction  struct{ Value bool }
	MailboxAction struct{ ID int64 }
	TargetsAction struct{ Targets []server.ForwardTarget }
)

func (SeenAction) kind() actionKind    { return kindSeen }
func (FlagAction) kind() actionKind    { return kindFlag }
func (SpamAction) kind() actionKind    { return kindSpam }
func (DeleteAction) kind() actionKind  { return kindDelete }
func (MailboxAction) kind() actionKind { return kindMailbox }
func (TargetsAction) kind() actionKind { return kindTargets }

// RuleActions converts a stored rule action into typed actions.
func RuleActions(a server.RuleAction) []Action {
	var out []Action
	if a.Seen != nil {
		out = append(out, SeenAction{Value: *a.Seen})
	}
	if a.Flag != nil {
		out = append(out, FlagAction{Value: *a.Flag})
	}
	if a.Spam != nil {
		out = append(out, SpamAction{Value: *a.Spam})
	}
	if a.Delete != nil {
		out = append(out, DeleteAction{Value: *a.Delete})
	}
	if a.Mailbox > 0 {
		out = append(out, MailboxAction{ID: a.Mailbox})
	}
	if len(a.Targets) > 0 {
		out = append(out, TargetsAction{Targets: a.Targets})
	}
	return out
}

// Resolved is the merged action set for one message. Every key except
// Targets is decided by the first action that sets it. Targets accumulate
// and are unique by value.
type Resolved struct {
	Seen    *bool
	Flag    *bool
	Spam    *bool
	Delete  *bool
	Mailbox int64
	Targets []server.ForwardTarget
}

func setOnce(dst **bool, v bool) bool {
	if *dst != nil {
		return false
	}
	*dst = &v
	return true
}

// Apply merges a into r and reports whether r changed.
func (r *Resolved) Apply(a Action) bool {
	switch a := a.(type) {
	case SeenAction:
		return setOnce(&r.Seen, a.Value)
	case FlagAction:
		return setOnce(&r.Flag, a.Value)
	case SpamAction:
		return setOnce(&r.Spam, a.Value)
	case DeleteAction:
		return setOnce(&r.Delete, a.Value)
	case MailboxAction:
		if r.Mailbox != 0 || a.ID <= 0 {
			return false
		}
		r.Mailbox = a.ID
		return true
	case TargetsAction:
		before := len(r.Targets)
		r.Targets = UnionTargets(r.Targets, a.Targets)
		return len(r.Targets) > before
	}
	return false
}

// ApplyAll merges every action in order.
func (r *Resolved) ApplyAll(actions []Action) {
	for _, a := range actions {
		r.Apply(a)
	}
}

func isTrue(b *bool) bool {
	return b != nil && *b
}

// UnionTargets appends the targets of extra that are not yet in base,
// comparing by value.
func UnionTargets(base, extra []server.ForwardTarget) []server.ForwardTarget {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]server.ForwardTarget, 0, len(base)+len(extra))
	for _, list := range [][]server.ForwardTarget{base, extra} {
		for _, t := range list {
			if t.Type == "" {
				t.Type = server.TargetMail
			}
			key := strings.TrimSpace(t.Value)
			if t.Type == server.TargetMail {
				key = server.NormalizeAddress(key)
			}
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, t)
		}
	}
	return out
}
