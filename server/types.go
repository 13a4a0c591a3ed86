package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/migadu/mailflow/pkg/mailheader"
)

// DKIMState holds the body hash computed while a message is queued.
type DKIMState struct {
	HashAlgo string `json:"hashAlgo"`
	BodyHash string `json:"bodyHash"`
	BodySize int64  `json:"bodySize"`
}

// Envelope is the working record of one outbound message while it is being
// queued. It is owned by a single Push call.
type Envelope struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId,omitempty"`
	UserID    int64     `json:"userId,omitempty"`
	User      string    `json:"user,omitempty"`
	From      string    `json:"from"`
	To        []string  `json:"to"`
	Interface string    `json:"interface"`
	Reason    string    `json:"reason,omitempty"`
	Transtype string    `json:"transtype,omitempty"`
	Time      time.Time `json:"time"`

	MessageID   string    `json:"messageId,omitempty"`
	Date        time.Time `json:"date"`
	SendingZone string    `json:"sendingZone,omitempty"`
	Origin      string    `json:"origin,omitempty"`

	ParsedFrom    []*mail.Address `json:"-"`
	ParsedTo      []*mail.Address `json:"-"`
	ParsedCc      []*mail.Address `json:"-"`
	ParsedBcc     []*mail.Address `json:"-"`
	ParsedReplyTo []*mail.Address `json:"-"`
	ParsedSender  []*mail.Address `json:"-"`

	DKIM   DKIMState `json:"dkim"`
	Looped bool      `json:"looped,omitempty"`

	Headers     *mailheader.Header `json:"-"`
	HeaderLines []mailheader.Line  `json:"headers,omitempty"`
}

// Freeze flattens the headers into HeaderLines. It is called right before
// the envelope is persisted.
func (e *Envelope) Freeze() {
	if e.Headers != nil {
		e.HeaderLines = e.Headers.Lines()
	}
}

// MXOverride routes a delivery through a fixed relay instead of MX lookup.
type MXOverride struct {
	Exchanges []string `json:"exchanges"`
	Port      int      `json:"port"`
	AuthUser  string   `json:"authUser,omitempty"`
	AuthPass  string   `json:"authPass,omitempty"`
	Secure    bool     `json:"secure"`
}

// Delivery is one queued recipient attempt.
type Delivery struct {
	ID          string    `json:"id"`
	Seq         string    `json:"seq"`
	Domain      string    `json:"domain"`
	SendingZone string    `json:"sendingZone"`
	Recipient   string    `json:"recipient"`
	Queued      time.Time `json:"queued"`
	Created     time.Time `json:"created"`
	Locked      bool      `json:"locked"`
	LockTime    time.Time `json:"lockTime"`
	Assigned    string    `json:"assigned"`

	MX         *MXOverride `json:"mx,omitempty"`
	TargetURL  string      `json:"targetUrl,omitempty"`
	HTTP       bool        `json:"http,omitempty"`
	SkipSRS    bool        `json:"skipSRS,omitempty"`
	SkipPolicy bool        `json:"skipPolicy,omitempty"`
}

// SeqString formats a per message delivery sequence number.
func SeqString(n int) string {
	return fmt.Sprintf("%03x", n)
}

// TargetType is the kind of a forward target.
type TargetType string

const (
	TargetMail  TargetType = "mail"
	TargetRelay TargetType = "relay"
	TargetHTTP  TargetType = "http"
)

// ForwardTarget is a destination a message is copied to.
type ForwardTarget struct {
	Type      TargetType `json:"type"`
	Value     string     `json:"value"`
	Recipient string     `json:"recipient,omitempty"`
}

// AutoreplyConfig is the out of office configuration of a user.
type AutoreplyConfig struct {
	Status  bool       `json:"status"`
	Start   *time.Time `json:"start,omitempty"`
	End     *time.Time `json:"end,omitempty"`
	Name    string     `json:"name,omitempty"`
	Subject string     `json:"subject,omitempty"`
	Text    string     `json:"text,omitempty"`
	HTML    string     `json:"html,omitempty"`
}

// Active reports whether the autoreply is enabled and now is inside its
// time window.
func (a *AutoreplyConfig) Active(now time.Time) bool {
	if a == nil || !a.Status {
		return false
	}
	if a.Start != nil && now.Before(*a.Start) {
		return false
	}
	if a.End != nil && now.After(*a.End) {
		return false
	}
	return true
}

// User is the account a message is delivered to.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Address  string `json:"address"`

	// SpamLevel is 0..100, 0 marks everything as spam, 100 nothing.
	SpamLevel int      `json:"spamLevel"`
	Tags      []string `json:"tags"`

	Targets      []ForwardTarget  `json:"targets"`
	ForwardLimit int              `json:"forwardLimit"`
	Autoreply    *AutoreplyConfig `json:"autoreply,omitempty"`

	EncryptMessages  bool   `json:"encryptMessages"`
	EncryptForwarded bool   `json:"encryptForwarded"`
	PublicKey        string `json:"publicKey,omitempty"`
}

// HeaderMatch is a single header constraint of a rule.
type HeaderMatch struct {
	Value string `json:"value"`
	Regex bool   `json:"regex,omitempty"`
	Flags string `json:"flags,omitempty"`
}

// RuleQuery is the predicate part of a rule. Unset fields do not
// constrain the message.
type RuleQuery struct {
	Headers       map[string]HeaderMatch `json:"headers,omitempty"`
	HasAttachment *bool                  `json:"ha,omitempty"`
	Size          int64                  `json:"size,omitempty"`
	Text          string                 `json:"text,omitempty"`
}

// Empty reports whether the query has no predicate at all.
func (q RuleQuery) Empty() bool {
	return len(q.Headers) == 0 && q.HasAttachment == nil && q.Size == 0 && q.Text == ""
}

// RuleAction is the stored action part of a rule.
type RuleAction struct {
	Seen    *bool           `json:"seen,omitempty"`
	Flag    *bool           `json:"flag,omitempty"`
	Spam    *bool           `json:"spam,omitempty"`
	Delete  *bool           `json:"delete,omitempty"`
	Mailbox int64           `json:"mailbox,omitempty"`
	Targets []ForwardTarget `json:"targets,omitempty"`
}

// FilterRule is a user owned predicate and action pair.
type FilterRule struct {
	ID       int64           `json:"id"`
	UserID   int64           `json:"userId"`
	Created  time.Time       `json:"created"`
	Name     string          `json:"name"`
	Query    RuleQuery       `json:"query"`
	Action   RuleAction      `json:"action"`
	Disabled bool            `json:"disabled"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Audit is a retention subscription for a user's mail.
type Audit struct {
	ID     int64      `json:"id"`
	UserID int64      `json:"userId"`
	Start  *time.Time `json:"start,omitempty"`
	End    *time.Time `json:"end,omitempty"`
}

// Active reports whether now falls inside the audit window.
func (a Audit) Active(now time.Time) bool {
	if a.Start != nil && now.Before(*a.Start) {
		return false
	}
	if a.End != nil && now.After(*a.End) {
		return false
	}
	return true
}

// RateCounter is a rolling window counter with atomic check and increment.
type RateCounter interface {
	// CheckAndIncrement adds amount to key unless that would exceed limit
	// within the window. It reports whether the increment happened.
	CheckAndIncrement(ctx context.Context, key string, amount, limit int64, window time.Duration) (bool, error)
}

// KeyedSet is a set of members per key where each member expires.
type KeyedSet interface {
	// InsertIfAbsent adds member under key with the ttl. It reports false
	// when a live member already exists.
	InsertIfAbsent(ctx context.Context, key, member string, ttl time.Duration) (bool, error)
}

// FilterResult is one step of the filter trail stored with a message.
type FilterResult struct {
	Source string `json:"source"`
	RuleID int64  `json:"ruleId,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// AuditMeta describes a copy written to an audit store.
type AuditMeta struct {
	UserID    int64     `json:"userId"`
	QueueID   string    `json:"queueId,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Stored    bool      `json:"stored"`
	Time      time.Time `json:"time"`
}
