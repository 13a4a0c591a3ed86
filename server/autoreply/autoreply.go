// Package autoreply sends out of office replies for inbound messages.
//
// A reply is sent at most once per sender within the configured interval
// and the total number of replies per user is bounded by a rolling window
// counter. Both limits live in an external store; when the store fails the
// reply is sent anyway.
package autoreply

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/mailheader"
	"github.com/migadu/mailflow/pkg/metrics"
	"github.com/migadu/mailflow/pkg/streams"
	"github.com/migadu/mailflow/server"
	"github.com/migadu/mailflow/server/maildrop"
)

// Pusher queues the generated reply.
type Pusher interface {
	Push(ctx context.Context, opts maildrop.PushOptions, body io.Reader) (*maildrop.PushResult, error)
}

// Suppression reasons reported in Result.
const (
	SkipDisabled      = "disabled"
	SkipInactive      = "inactive"
	SkipSpam          = "spam"
	SkipNoSender      = "no_sender"
	SkipAutoSubmitted = "auto_submitted"
	SkipPrecedence    = "precedence"
	SkipMailingList   = "list"
	SkipSuppressed    = "suppressed"
	SkipDuplicate     = "duplicate"
	SkipRateLimited   = "rate_limited"
)

// Request describes the message that triggers a reply.
type Request struct {
	User *server.User
	// Sender is the envelope sender of the trigger.
	Sender string
	// QueueID identifies the trigger and is echoed in the reply.
	QueueID string
	Spam    bool
	// Disabled is set by callers that never want a reply for this message.
	Disabled bool
	// Message is the raw trigger. Only its header is read.
	Message io.Reader
}

// Result reports what happened. ID is set when a reply was queued,
// otherwise Skipped names the reason.
type Result struct {
	ID      string
	Skipped string
}

// Engine builds and queues autoreplies.
type Engine struct {
	pusher  Pusher
	seen    server.KeyedSet
	counter server.RateCounter

	interval time.Duration
	limit    int64
	window   time.Duration

	now func() time.Time
}

// New creates an Engine. seen and counter may be nil, which disables the
// corresponding limit.
func New(pusher Pusher, seen server.KeyedSet, counter server.RateCounter, limits config.LimitsConfig) (*Engine, error) {
	interval, err := limits.GetAutoreplyInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid autoreply interval: %w", err)
	}
	window, err := limits.GetAutoreplyWindow()
	if err != nil {
		return nil, fmt.Errorf("invalid autoreply window: %w", err)
	}
	return &Engine{
		pusher:   pusher,
		seen:     seen,
		counter:  counter,
		interval: interval,
		limit:    int64(limits.GetAutoreplyLimit()),
		window:   window,
		now:      time.Now,
	}, nil
}

// Send queues a reply for req unless it is suppressed. Suppression is not
// an error. The reply is pushed once, failures are returned to the caller
// and never retried.
func (e *Engine) Send(ctx context.Context, req Request) (*Result, error) {
	skip := func(reason string) (*Result, error) {
		metrics.AutorepliesTotal.WithLabelValues(reason).Inc()
		logger.Debug("Autoreply: skipped", "user", userID(req.User), "sender", req.Sender, "reason", reason)
		return &Result{Skipped: reason}, nil
	}

	now := e.now()
	switch {
	case req.Disabled:
		return skip(SkipDisabled)
	case req.User == nil || !req.User.Autoreply.Active(now):
		return skip(SkipInactive)
	case req.Spam:
		return skip(SkipSpam)
	}

	sender := server.NormalizeAddress(req.Sender)
	if !usableSender(sender) {
		return skip(SkipNoSender)
	}

	header, err := streams.ReadHeader(req.Message)
	if err != nil {
		return nil, fmt.Errorf("read trigger header: %w", err)
	}
	if reason := Suppressed(header); reason != "" {
		return skip(reason)
	}

	// The rate check runs first so a refused reply does not mark the sender
	// as answered for the whole interval.
	if e.counter != nil {
		key := fmt.Sprintf("autoreply:limit:%d", req.User.ID)
		ok, err := e.counter.CheckAndIncrement(ctx, key, 1, e.limit, e.window)
		switch {
		case err != nil:
			logger.Warn("Autoreply: rate check failed, proceeding", "user", req.User.ID, "error", err)
		case !ok:
			return skip(SkipRateLimited)
		}
	}

	if e.seen != nil {
		key := fmt.Sprintf("autoreply:%d", req.User.ID)
		inserted, err := e.seen.InsertIfAbsent(ctx, key, sender, e.interval)
		switch {
		case err != nil:
			logger.Warn("Autoreply: dedup check failed, proceeding", "user", req.User.ID, "error", err)
		case !inserted:
			return skip(SkipDuplicate)
		}
	}

	body, err := Compose(req.User, sender, req.QueueID, header, now)
	if err != nil {
		metrics.AutorepliesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("compose autoreply: %w", err)
	}

	res, err := e.pusher.Push(ctx, maildrop.PushOptions{
		ParentID:  req.QueueID,
		UserID:    req.User.ID,
		User:      req.User.Address,
		From:      "",
		To:        []string{sender},
		Interface: "autoreply",
		Reason:    consts.ReasonAutoreply,
		SkipHooks: true,
	}, bytes.NewReader(body))
	if err != nil {
		metrics.AutorepliesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("queue autoreply: %w", err)
	}

	metrics.AutorepliesTotal.WithLabelValues("sent").Inc()
	logger.Info("Autoreply: queued", "user", req.User.ID, "to", sender, "id", res.ID, "trigger", req.QueueID)
	return &Result{ID: res.ID}, nil
}

func userID(u *server.User) int64 {
	if u == nil {
		return 0
	}
	return u.ID
}

func usableSender(addr string) bool {
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	switch addr[:at] {
	case "mailer-daemon", "postmaster":
		return false
	}
	return true
}

// Suppressed returns the reason a message must not be answered, or an
// empty string.
func Suppressed(h *mailheader.Header) string {
	if v := strings.ToLower(strings.TrimSpace(h.Get("Auto-Submitted"))); v != "" && v != "no" {
		return SkipAutoSubmitted
	}
	switch strings.ToLower(strings.TrimSpace(h.Get("Precedence"))) {
	case "list", "junk", "bulk":
		return SkipPrecedence
	}
	if h.Has("List-Unsubscribe") {
		return SkipMailingList
	}
	for _, value := range h.Values("X-Auto-Response-Suppress") {
		for _, token := range strings.Split(value, ",") {
			switch strings.ToLower(strings.TrimSpace(token)) {
			case "oof", "autoreply", "all":
				return SkipSuppressed
			}
		}
	}
	return ""
}
