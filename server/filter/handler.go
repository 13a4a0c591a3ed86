// Package filter decides what happens to an inbound message once it has been
// accepted for a local user: which rules match, whether it is spam, where it
// is stored, whether copies are forwarded and whether an autoreply is sent.
package filter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"
	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/mailheader"
	"github.com/migadu/mailflow/pkg/metrics"
	"github.com/migadu/mailflow/pkg/streams"
	"github.com/migadu/mailflow/server"
	"github.com/migadu/mailflow/server/autoreply"
	"github.com/migadu/mailflow/server/indexer"
	"github.com/migadu/mailflow/server/maildrop"
	"github.com/migadu/mailflow/server/mailstore"
)

// UserDirectory resolves the principal a message is delivered to. Lookups
// return consts.ErrUserNotFound for unknown users.
type UserDirectory interface {
	UserByID(ctx context.Context, id int64) (*server.User, error)
	UserByAddressView(ctx context.Context, view string) (*server.User, error)
	UserByUsernameView(ctx context.Context, view string) (*server.User, error)
}

type RuleStore interface {
	RulesForUser(ctx context.Context, userID int64) ([]*server.FilterRule, error)
}

// Domain policy actions.
const (
	PolicyBlock = "block"
	PolicyAllow = "allow"
)

// DomainPolicyStore returns PolicyBlock, PolicyAllow or "" for a sender
// domain as seen by the given user tags.
type DomainPolicyStore interface {
	DomainPolicy(ctx context.Context, tags []string, domain string) (string, error)
}

// MailboxStore looks up mailboxes of a user. Lookups return
// consts.ErrMailboxNotFound when nothing matches.
type MailboxStore interface {
	MailboxByID(ctx context.Context, userID, id int64) (*server.Mailbox, error)
	MailboxBySpecialUse(ctx context.Context, userID int64, specialUse string) (*server.Mailbox, error)
	MailboxByPath(ctx context.Context, userID int64, path string) (*server.Mailbox, error)
}

type MessageStore interface {
	StoreMessage(ctx context.Context, req *mailstore.StoreRequest) (*mailstore.StoredMessage, error)
}

type AuditStore interface {
	AuditsForUser(ctx context.Context, userID int64) ([]server.Audit, error)
	StoreAudit(ctx context.Context, audit server.Audit, raw []byte, meta server.AuditMeta) error
}

// Encrypter encrypts a message for a user. It reports false when the
// message was left as is, for example because it is already encrypted.
type Encrypter interface {
	Encrypt(ctx context.Context, user *server.User, raw []byte) ([]byte, bool, error)
}

type Pusher interface {
	Push(ctx context.Context, opts maildrop.PushOptions, body io.Reader) (*maildrop.PushResult, error)
}

type Autoresponder interface {
	Send(ctx context.Context, req autoreply.Request) (*autoreply.Result, error)
}

type Indexer interface {
	Index(raw []byte) (*indexer.MailData, error)
}

// Handler processes inbound messages. Audits, Encrypter, Maildrop, Autoreply
// and Counter are optional.
type Handler struct {
	Users     UserDirectory
	Rules     RuleStore
	Domains   DomainPolicyStore
	Mailboxes MailboxStore
	Messages  MessageStore
	Audits    AuditStore
	Encrypter Encrypter
	Maildrop  Pusher
	Autoreply Autoresponder
	Indexer   Indexer
	Counter   server.RateCounter
	Limits    config.LimitsConfig

	Now func() time.Time
}

// Options describe one inbound message.
type Options struct {
	// The user is resolved from the first of UserID, Address, Username that
	// is set.
	UserID   int64
	Address  string
	Username string

	// Sender is the envelope sender, Recipient the envelope recipient.
	Sender    string
	Recipient string

	// Default target mailbox, by id or by path.
	Mailbox     int64
	MailboxPath string
	Flags       []imap.Flag

	// SpamHint is the action suggested by the spam scanner.
	SpamHint string
	// Targets are used for forwarding when the user has none of its own.
	Targets []server.ForwardTarget

	DisableAutoreply bool
	QueueID          string
	Interface        string
}

type OutcomeKind string

const (
	OutcomeStored  OutcomeKind = "stored"
	OutcomeDropped OutcomeKind = "dropped"
	OutcomeNoUser  OutcomeKind = "no_user"
)

// Outcome is the result of processing one message.
type Outcome struct {
	Kind         OutcomeKind
	User         *server.User
	Message      *mailstore.StoredMessage
	MatchedRules []int64
	Spam         bool
	Actions      Resolved
	ForwardID    string
	AutoreplyID  string
	Filters      []server.FilterResult
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Process runs the full pipeline for raw and reports what happened to it.
// An unknown user is an outcome, not an error.
func (h *Handler) Process(ctx context.Context, raw []byte, opts Options) (*Outcome, error) {
	start := time.Now()
	defer func() {
		metrics.ProcessDuration.Observe(time.Since(start).Seconds())
	}()

	user, err := h.resolveUser(ctx, opts)
	if errors.Is(err, consts.ErrUserNotFound) {
		metrics.MessagesProcessed.WithLabelValues(string(OutcomeNoUser)).Inc()
		logger.Info("Filter: unknown user", "user_id", opts.UserID, "address", opts.Address, "username", opts.Username)
		return &Outcome{Kind: OutcomeNoUser}, nil
	}
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	out, err := h.storeMessage(ctx, user, raw, opts)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.MessagesProcessed.WithLabelValues(string(out.Kind)).Inc()
	return out, nil
}

func (h *Handler) resolveUser(ctx context.Context, opts Options) (*server.User, error) {
	lookups := []func() (*server.User, error){}
	if opts.UserID > 0 {
		lookups = append(lookups, func() (*server.User, error) { return h.Users.UserByID(ctx, opts.UserID) })
	}
	if opts.Address != "" {
		lookups = append(lookups, func() (*server.User, error) {
			return h.Users.UserByAddressView(ctx, server.AddressView(opts.Address))
		})
	}
	if opts.Username != "" {
		lookups = append(lookups, func() (*server.User, error) {
			return h.Users.UserByUsernameView(ctx, server.UsernameView(opts.Username))
		})
	}

	for _, lookup := range lookups {
		user, err := lookup()
		if errors.Is(err, consts.ErrUserNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
	}
	return nil, consts.ErrUserNotFound
}

// prepare rewrites the trace headers for the recipient. The original bytes
// below the header are kept as they are.
func prepare(raw []byte, opts Options) ([]byte, *mailheader.Header) {
	headerBytes, body := streams.SplitBytes(raw)
	header := mailheader.Parse(headerBytes)
	if opts.Recipient != "" {
		header.Replace("Delivered-To", opts.Recipient)
	}
	header.Replace("Return-Path", "<"+opts.Sender+">")

	out := header.Bytes()
	out = append(out, body...)
	return out, header
}

func senderDomain(sender string, header *mailheader.Header) string {
	if domain := server.AddressDomain(sender); domain != "" {
		return domain
	}
	addrs, err := mail.ParseAddressList(header.Get("From"))
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return server.AddressDomain(addrs[0].Address)
}

func (h *Handler) storeMessage(ctx context.Context, user *server.User, raw []byte, opts Options) (*Outcome, error) {
	out := &Outcome{User: user}
	raw, header := prepare(raw, opts)

	data, err := h.Indexer.Index(raw)
	if err != nil {
		logger.Warn("Filter: indexing failed", "user", user.ID, "queue_id", opts.QueueID, "error", err)
		return nil, &ProcessError{Err: fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err), Filters: out.Filters}
	}

	resolved := &out.Actions

	if domain := senderDomain(opts.Sender, header); domain != "" && h.Domains != nil {
		policy, err := h.Domains.DomainPolicy(ctx, user.Tags, domain)
		if err != nil {
			logger.Warn("Filter: domain policy lookup failed", "user", user.ID, "domain", domain, "error", err)
		}
		switch policy {
		case PolicyBlock:
			resolved.Apply(SpamAction{Value: true})
		case PolicyAllow:
			resolved.Apply(SpamAction{Value: false})
		}
		if policy != "" {
			metrics.SpamDecisions.WithLabelValues("domain").Inc()
			out.Filters = append(out.Filters, server.FilterResult{Source: "domain", Detail: policy + " " + domain})
		}
	}

	rules, err := h.Rules.RulesForUser(ctx, user.ID)
	if err != nil {
		logger.Warn("Filter: failed to load rules", "user", user.ID, "error", err)
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].Created.Equal(rules[j].Created) {
			return rules[i].Created.Before(rules[j].Created)
		}
		return rules[i].ID < rules[j].ID
	})

	view := NewMessage(data)
	for _, rule := range rules {
		if rule.Disabled || !Matches(rule.Query, view) {
			continue
		}
		metrics.RuleMatches.Inc()
		out.MatchedRules = append(out.MatchedRules, rule.ID)
		out.Filters = append(out.Filters, server.FilterResult{Source: "rule", RuleID: rule.ID, Detail: rule.Name})
		resolved.ApplyAll(RuleActions(rule.Action))
	}

	switch {
	case resolved.Spam != nil:
		out.Spam = *resolved.Spam
		if len(out.MatchedRules) > 0 {
			metrics.SpamDecisions.WithLabelValues("rule").Inc()
		}
	default:
		out.Spam = DecideSpam(user.SpamLevel, opts.SpamHint)
		metrics.SpamDecisions.WithLabelValues("level").Inc()
	}
	if out.Spam {
		out.Filters = append(out.Filters, server.FilterResult{Source: "spam", Detail: opts.SpamHint})
	}

	out.ForwardID = h.forward(ctx, user, raw, opts, out)
	out.AutoreplyID = h.autoreply(ctx, user, raw, opts, out)

	if isTrue(resolved.Delete) {
		h.auditCopies(ctx, user, raw, opts, false)
		out.Kind = OutcomeDropped
		logger.Info("Filter: message dropped", "user", user.ID, "queue_id", opts.QueueID, "rules", out.MatchedRules)
		return out, nil
	}

	mailbox, err := h.routeMailbox(ctx, user, opts, out)
	if err != nil {
		return nil, &ProcessError{Err: err, Filters: out.Filters}
	}

	stored := raw
	encrypted := false
	if user.EncryptMessages && h.Encrypter != nil {
		enc, ok, err := h.Encrypter.Encrypt(ctx, user, raw)
		switch {
		case err != nil:
			logger.Warn("Filter: encryption failed, storing as is", "user", user.ID, "error", err)
		case ok:
			stored, encrypted = enc, true
		}
	}

	msg, err := h.Messages.StoreMessage(ctx, &mailstore.StoreRequest{
		User:      user,
		Mailbox:   mailbox,
		Flags:     messageFlags(opts.Flags, resolved),
		Raw:       stored,
		MailData:  data,
		Filters:   out.Filters,
		Spam:      out.Spam,
		Sender:    opts.Sender,
		Recipient: opts.Recipient,
		QueueID:   opts.QueueID,
		Encrypted: encrypted,
	})
	if err != nil {
		logger.Error("Filter: failed to store message", "user", user.ID, "mailbox", mailbox.Path, "error", err)
		return nil, &ProcessError{Err: err, Filters: out.Filters}
	}

	h.auditCopies(ctx, user, raw, opts, true)

	out.Kind = OutcomeStored
	out.Message = msg
	logger.Info("Filter: message stored", "user", user.ID, "mailbox", msg.Path, "uid", msg.UID, "spam", out.Spam, "queue_id", opts.QueueID)
	return out, nil
}

func messageFlags(base []imap.Flag, resolved *Resolved) []imap.Flag {
	flags := slices.Clone(base)
	set := func(flag imap.Flag, v *bool) {
		if v == nil {
			return
		}
		flags = slices.DeleteFunc(flags, func(f imap.Flag) bool { return f == flag })
		if *v {
			flags = append(flags, flag)
		}
	}
	set(imap.FlagSeen, resolved.Seen)
	set(imap.FlagFlagged, resolved.Flag)
	return flags
}

func (h *Handler) routeMailbox(ctx context.Context, user *server.User, opts Options, out *Outcome) (*server.Mailbox, error) {
	var (
		mailbox *server.Mailbox
		err     error
	)
	switch {
	case out.Actions.Mailbox > 0:
		mailbox, err = h.Mailboxes.MailboxByID(ctx, user.ID, out.Actions.Mailbox)
	case out.Spam:
		mailbox, err = h.Mailboxes.MailboxBySpecialUse(ctx, user.ID, consts.SpecialUseJunk)
	case opts.Mailbox > 0:
		mailbox, err = h.Mailboxes.MailboxByID(ctx, user.ID, opts.Mailbox)
	case opts.MailboxPath != "":
		mailbox, err = h.Mailboxes.MailboxByPath(ctx, user.ID, opts.MailboxPath)
	}
	if err != nil && !errors.Is(err, consts.ErrMailboxNotFound) {
		return nil, fmt.Errorf("mailbox lookup: %w", err)
	}
	if mailbox != nil {
		return mailbox, nil
	}

	mailbox, err = h.Mailboxes.MailboxByPath(ctx, user.ID, consts.MailboxInbox)
	if err != nil {
		return nil, fmt.Errorf("inbox lookup: %w", err)
	}
	return mailbox, nil
}

func (h *Handler) forward(ctx context.Context, user *server.User, raw []byte, opts Options, out *Outcome) string {
	targets := user.Targets
	if len(targets) == 0 {
		targets = opts.Targets
	}
	targets = UnionTargets(targets, out.Actions.Targets)

	if len(targets) == 0 || h.Maildrop == nil {
		return ""
	}
	if out.Spam {
		metrics.ForwardsTotal.WithLabelValues("spam").Inc()
		logger.Debug("Filter: not forwarding spam", "user", user.ID, "queue_id", opts.QueueID)
		return ""
	}

	if h.Counter != nil {
		window, err := h.Limits.GetForwardWindow()
		if err != nil {
			window = time.Hour
		}
		quota := int64(user.ForwardLimit)
		if quota <= 0 {
			quota = int64(h.Limits.GetForwardQuota())
		}
		key := "forward:" + strconv.FormatInt(user.ID, 10)
		ok, err := h.Counter.CheckAndIncrement(ctx, key, int64(len(targets)), quota, window)
		switch {
		case err != nil:
			logger.Warn("Filter: forward counter failed, allowing", "user", user.ID, "error", err)
		case !ok:
			metrics.ForwardsTotal.WithLabelValues("rate_limited").Inc()
			logger.Info("Filter: forward quota exceeded", "user", user.ID, "targets", len(targets), "quota", quota)
			out.Filters = append(out.Filters, server.FilterResult{Source: "forward", Detail: consts.ErrRateLimited.Error()})
			return ""
		}
	}

	body := raw
	if user.EncryptForwarded && h.Encrypter != nil {
		enc, ok, err := h.Encrypter.Encrypt(ctx, user, raw)
		switch {
		case err != nil:
			logger.Warn("Filter: forward encryption failed, sending as is", "user", user.ID, "error", err)
		case ok:
			body = enc
		}
	}

	res, err := h.Maildrop.Push(ctx, maildrop.PushOptions{
		ParentID:  opts.QueueID,
		UserID:    user.ID,
		User:      user.Address,
		From:      opts.Sender,
		To:        []string{opts.Recipient},
		Targets:   targets,
		Interface: "forwarder",
		Reason:    consts.ReasonForward,
	}, bytes.NewReader(body))
	switch {
	case errors.Is(err, consts.ErrLoop):
		metrics.ForwardsTotal.WithLabelValues("loop").Inc()
		logger.Warn("Filter: forward loop detected", "user", user.ID, "queue_id", opts.QueueID)
		return ""
	case err != nil:
		metrics.ForwardsTotal.WithLabelValues("error").Inc()
		logger.Error("Filter: forward failed", "user", user.ID, "queue_id", opts.QueueID, "error", err)
		return ""
	}

	metrics.ForwardsTotal.WithLabelValues("queued").Inc()
	out.Filters = append(out.Filters, server.FilterResult{Source: "forward", Detail: res.ID})
	logger.Info("Filter: forwarded", "user", user.ID, "id", res.ID, "targets", len(targets))
	return res.ID
}

func (h *Handler) autoreply(ctx context.Context, user *server.User, raw []byte, opts Options, out *Outcome) string {
	if h.Autoreply == nil || out.Spam || !user.Autoreply.Active(h.now()) {
		return ""
	}
	res, err := h.Autoreply.Send(ctx, autoreply.Request{
		User:     user,
		Sender:   opts.Sender,
		QueueID:  opts.QueueID,
		Spam:     out.Spam,
		Disabled: opts.DisableAutoreply,
		Message:  bytes.NewReader(raw),
	})
	if err != nil {
		logger.Error("Filter: autoreply failed", "user", user.ID, "queue_id", opts.QueueID, "error", err)
		return ""
	}
	if res.ID != "" {
		out.Filters = append(out.Filters, server.FilterResult{Source: "autoreply", Detail: res.ID})
	}
	return res.ID
}

func (h *Handler) auditCopies(ctx context.Context, user *server.User, raw []byte, opts Options, stored bool) {
	if h.Audits == nil {
		return
	}
	audits, err := h.Audits.AuditsForUser(ctx, user.ID)
	if err != nil {
		logger.Warn("Filter: failed to load audits", "user", user.ID, "error", err)
		return
	}
	now := h.now()
	for _, audit := range audits {
		if !audit.Active(now) {
			continue
		}
		meta := server.AuditMeta{
			UserID:    user.ID,
			QueueID:   opts.QueueID,
			Sender:    opts.Sender,
			Recipient: opts.Recipient,
			Stored:    stored,
			Time:      now,
		}
		if err := h.Audits.StoreAudit(ctx, audit, raw, meta); err != nil {
			logger.Error("Filter: failed to store audit copy", "user", user.ID, "audit", audit.ID, "error", err)
		}
	}
}
