package filter

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/server"
	"github.com/migadu/mailflow/server/autoreply"
	"github.com/migadu/mailflow/server/indexer"
	"github.com/migadu/mailflow/server/maildrop"
	"github.com/migadu/mailflow/server/mailstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUsers struct {
	users []*server.User
	err   error
}

func (f *fakeUsers) find(match func(*server.User) bool) (*server.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.users {
		if match(u) {
			return u, nil
		}
	}
	return nil, consts.ErrUserNotFound
}

func (f *fakeUsers) UserByID(_ context.Context, id int64) (*server.User, error) {
	return f.find(func(u *server.User) bool { return u.ID == id })
}

func (f *fakeUsers) UserByAddressView(_ context.Context, view string) (*server.User, error) {
	return f.find(func(u *server.User) bool { return server.AddressView(u.Address) == view })
}

func (f *fakeUsers) UserByUsernameView(_ context.Context, view string) (*server.User, error) {
	return f.find(func(u *server.User) bool { return server.UsernameView(u.Username) == view })
}

type fakeRules struct{ rules []*server.FilterRule }

func (f *fakeRules) RulesForUser(_ context.Context, userID int64) ([]*server.FilterRule, error) {
	var out []*server.FilterRule
	for _, r := range f.rules {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeDomains struct{ policies map[string]string }

func (f *fakeDomains) DomainPolicy(_ context.Context, _ []string, domain string) (string, error) {
	return f.policies[domain], nil
}

type fakeMailboxes struct{ boxes []*server.Mailbox }

func (f *fakeMailboxes) find(match func(*server.Mailbox) bool) (*server.Mailbox, error) {
	for _, m := range f.boxes {
		if match(m) {
			return m, nil
		}
	}
	return nil, consts.ErrMailboxNotFound
}

func (f *fakeMailboxes) MailboxByID(_ context.Context, userID, id int64) (*server.Mailbox, error) {
	return f.find(func(m *server.Mailbox) bool { return m.UserID == userID && m.ID == id })
}

func (f *fakeMailboxes) MailboxBySpecialUse(_ context.Context, userID int64, use string) (*server.Mailbox, error) {
	return f.find(func(m *server.Mailbox) bool { return m.UserID == userID && m.SpecialUse == use })
}

func (f *fakeMailboxes) MailboxByPath(_ context.Context, userID int64, path string) (*server.Mailbox, error) {
	return f.find(func(m *server.Mailbox) bool { return m.UserID == userID && m.Path == path })
}

type fakeMessages struct {
	reqs []*mailstore.StoreRequest
	err  error
}

func (f *fakeMessages) StoreMessage(_ context.Context, req *mailstore.StoreRequest) (*mailstore.StoredMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &mailstore.StoredMessage{
		ID:        int64(len(f.reqs)),
		UID:       int64(len(f.reqs)),
		MailboxID: req.Mailbox.ID,
		Path:      req.Mailbox.Path,
		Hash:      mailstore.ContentHash(req.Raw),
	}, nil
}

type auditCopy struct {
	auditID int64
	raw     []byte
	meta    server.AuditMeta
}

type fakeAudits struct {
	audits []server.Audit
	copies []auditCopy
}

func (f *fakeAudits) AuditsForUser(_ context.Context, userID int64) ([]server.Audit, error) {
	var out []server.Audit
	for _, a := range f.audits {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAudits) StoreAudit(_ context.Context, audit server.Audit, raw []byte, meta server.AuditMeta) error {
	f.copies = append(f.copies, auditCopy{auditID: audit.ID, raw: raw, meta: meta})
	return nil
}

type pushCall struct {
	opts maildrop.PushOptions
	body []byte
}

type fakePusher struct {
	calls []pushCall
	err   error
}

func (p *fakePusher) Push(_ context.Context, opts maildrop.PushOptions, body io.Reader) (*maildrop.PushResult, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if p.err != nil && opts.Reason == consts.ReasonForward {
		return nil, p.err
	}
	p.calls = append(p.calls, pushCall{opts: opts, body: data})
	return &maildrop.PushResult{ID: opts.Reason + "-" + string(rune('0'+len(p.calls)))}, nil
}

func (p *fakePusher) byReason(reason string) []pushCall {
	var out []pushCall
	for _, c := range p.calls {
		if c.opts.Reason == reason {
			out = append(out, c)
		}
	}
	return out
}

type fakeCounter struct{ counts map[string]int64 }

func (c *fakeCounter) CheckAndIncrement(_ context.Context, key string, amount, limit int64, _ time.Duration) (bool, error) {
	if c.counts[key]+amount > limit {
		return false, nil
	}
	c.counts[key] += amount
	return true, nil
}

type fakeSet struct{ members map[string]bool }

func (s *fakeSet) InsertIfAbsent(_ context.Context, key, member string, _ time.Duration) (bool, error) {
	k := key + "\x00" + member
	if s.members[k] {
		return false, nil
	}
	s.members[k] = true
	return true, nil
}

type testEnv struct {
	handler  *Handler
	users    *fakeUsers
	rules    *fakeRules
	domains  *fakeDomains
	messages *fakeMessages
	audits   *fakeAudits
	pusher   *fakePusher
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, user *server.User) *testEnv {
	t.Helper()
	env := &testEnv{
		users:    &fakeUsers{users: []*server.User{user}},
		rules:    &fakeRules{},
		domains:  &fakeDomains{policies: map[string]string{}},
		messages: &fakeMessages{},
		audits:   &fakeAudits{},
		pusher:   &fakePusher{},
	}
	counter := &fakeCounter{counts: map[string]int64{}}
	engine, err := autoreply.New(env.pusher, &fakeSet{members: map[string]bool{}}, counter, config.LimitsConfig{})
	require.NoError(t, err)

	env.handler = &Handler{
		Users:   env.users,
		Rules:   env.rules,
		Domains: env.domains,
		Mailboxes: &fakeMailboxes{boxes: []*server.Mailbox{
			{ID: 1, UserID: user.ID, Path: "INBOX"},
			{ID: 2, UserID: user.ID, Path: "Junk", SpecialUse: consts.SpecialUseJunk},
			{ID: 3, UserID: user.ID, Path: "Archive"},
		}},
		Messages:  env.messages,
		Audits:    env.audits,
		Maildrop:  env.pusher,
		Autoreply: engine,
		Indexer:   indexer.New(),
		Counter:   counter,
		Now:       func() time.Time { return testNow },
	}
	return env
}

func testUser() *server.User {
	return &server.User{
		ID:        7,
		Username:  "user",
		Address:   "user@example.com",
		SpamLevel: 50,
	}
}

const plainMessage = "From: Sender <sender@example.org>\r\n" +
	"To: user@example.com\r\n" +
	"Subject: Hello there\r\n" +
	"\r\n" +
	"Just saying hi.\r\n"

func defaultOptions() Options {
	return Options{
		UserID:    7,
		Sender:    "sender@example.org",
		Recipient: "user@example.com",
		QueueID:   "q1",
	}
}

func rule(id int64, created time.Time, query server.RuleQuery, action server.RuleAction) *server.FilterRule {
	return &server.FilterRule{ID: id, UserID: 7, Created: created, Name: "rule", Query: query, Action: action}
}

var subjectHello = server.RuleQuery{Headers: map[string]server.HeaderMatch{"subject": {Value: "hello"}}}

func TestProcessStoresInInbox(t *testing.T) {
	env := newTestEnv(t, testUser())

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out.Kind)
	assert.False(t, out.Spam)
	require.NotNil(t, out.Message)
	assert.Equal(t, "INBOX", out.Message.Path)

	require.Len(t, env.messages.reqs, 1)
	raw := string(env.messages.reqs[0].Raw)
	assert.True(t, strings.HasPrefix(raw, "Return-Path: <sender@example.org>\r\nDelivered-To: user@example.com\r\nFrom:"), raw)
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nJust saying hi.\r\n"))
}

func TestProcessReplacesExistingTraceHeaders(t *testing.T) {
	env := newTestEnv(t, testUser())
	msg := "Delivered-To: old@example.com\r\nReturn-Path: <old@example.com>\r\n" + plainMessage

	_, err := env.handler.Process(context.Background(), []byte(msg), defaultOptions())
	require.NoError(t, err)
	raw := string(env.messages.reqs[0].Raw)
	assert.NotContains(t, raw, "old@example.com")
	assert.Equal(t, 1, strings.Count(raw, "Delivered-To:"))
}

func TestProcessUnknownUser(t *testing.T) {
	env := newTestEnv(t, testUser())
	opts := defaultOptions()
	opts.UserID = 99

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoUser, out.Kind)
	assert.Empty(t, env.messages.reqs)
}

func TestProcessResolvesByAddressView(t *testing.T) {
	user := testUser()
	user.Address = "first.last@example.com"
	env := newTestEnv(t, user)
	opts := defaultOptions()
	opts.UserID = 0
	opts.Address = "FirstLast+news@Example.com"

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), opts)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out.Kind)
	assert.Equal(t, int64(7), out.User.ID)
}

func TestProcessUserLookupError(t *testing.T) {
	env := newTestEnv(t, testUser())
	env.users.err = errors.New("db down")

	_, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.Error(t, err)
}

func TestProcessFirstMatchingRuleWins(t *testing.T) {
	env := newTestEnv(t, testUser())
	earlier := testNow.Add(-2 * time.Hour)
	later := testNow.Add(-time.Hour)
	env.rules.rules = []*server.FilterRule{
		rule(1, later, subjectHello, server.RuleAction{Seen: boolp(false), Flag: boolp(true)}),
		rule(2, earlier, subjectHello, server.RuleAction{Seen: boolp(true)}),
		{ID: 3, UserID: 7, Created: earlier, Query: subjectHello, Action: server.RuleAction{Delete: boolp(true)}, Disabled: true},
	}

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out.Kind)
	assert.Equal(t, []int64{2, 1}, out.MatchedRules)
	assert.ElementsMatch(t, []imap.Flag{imap.FlagSeen, imap.FlagFlagged}, env.messages.reqs[0].Flags)
}

func TestProcessRuleClearsCallerFlag(t *testing.T) {
	env := newTestEnv(t, testUser())
	env.rules.rules = []*server.FilterRule{rule(1, testNow, subjectHello, server.RuleAction{Seen: boolp(false)})}
	opts := defaultOptions()
	opts.Flags = []imap.Flag{imap.FlagSeen, imap.FlagAnswered}

	_, err := env.handler.Process(context.Background(), []byte(plainMessage), opts)
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{imap.FlagAnswered}, env.messages.reqs[0].Flags)
}

func TestProcessSpamLevel(t *testing.T) {
	user := testUser()
	user.SpamLevel = 0
	env := newTestEnv(t, user)

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	assert.True(t, out.Spam)
	assert.Equal(t, "Junk", out.Message.Path)
	assert.True(t, env.messages.reqs[0].Spam)

	env.rules.rules = []*server.FilterRule{rule(1, testNow, subjectHello, server.RuleAction{Spam: boolp(false)})}
	out, err = env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	assert.False(t, out.Spam)
	assert.Equal(t, "INBOX", out.Message.Path)
}

func TestProcessSpamHint(t *testing.T) {
	env := newTestEnv(t, testUser())
	opts := defaultOptions()
	opts.SpamHint = "reject"

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), opts)
	require.NoError(t, err)
	assert.True(t, out.Spam)

	opts.SpamHint = "add header"
	out, err = env.handler.Process(context.Background(), []byte(plainMessage), opts)
	require.NoError(t, err)
	assert.False(t, out.Spam)
}

func TestProcessDomainPolicyWinsOverRules(t *testing.T) {
	env := newTestEnv(t, testUser())
	env.domains.policies["example.org"] = PolicyBlock
	env.rules.rules = []*server.FilterRule{rule(1, testNow, subjectHello, server.RuleAction{Spam: boolp(false)})}

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	assert.True(t, out.Spam)
	assert.Equal(t, "domain", out.Filters[0].Source)

	env.domains.policies["example.org"] = PolicyAllow
	opts := defaultOptions()
	opts.SpamHint = "reject"
	out, err = env.handler.Process(context.Background(), []byte(plainMessage), opts)
	require.NoError(t, err)
	assert.False(t, out.Spam)
}

func TestProcessDomainPolicyFromHeader(t *testing.T) {
	env := newTestEnv(t, testUser())
	env.domains.policies["example.org"] = PolicyBlock
	opts := defaultOptions()
	opts.Sender = ""

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), opts)
	require.NoError(t, err)
	assert.True(t, out.Spam)
}

func TestProcessMailboxRouting(t *testing.T) {
	tests := []struct {
		name   string
		action server.RuleAction
		opts   func(*Options)
		want   string
	}{
		{"rule mailbox", server.RuleAction{Mailbox: 3}, nil, "Archive"},
		{"missing rule mailbox", server.RuleAction{Mailbox: 99}, nil, "INBOX"},
		{"caller default", server.RuleAction{}, func(o *Options) { o.Mailbox = 3 }, "Archive"},
		{"caller path", server.RuleAction{}, func(o *Options) { o.MailboxPath = "Archive" }, "Archive"},
		{"missing caller path", server.RuleAction{}, func(o *Options) { o.MailboxPath = "Nope" }, "INBOX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testUser())
			env.rules.rules = []*server.FilterRule{rule(1, testNow, subjectHello, tt.action)}
			opts := defaultOptions()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			out, err := env.handler.Process(context.Background(), []byte(plainMessage), opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Message.Path)
		})
	}
}

func TestProcessForward(t *testing.T) {
	user := testUser()
	user.Targets = []server.ForwardTarget{{Type: server.TargetMail, Value: "copy@example.net"}}
	env := newTestEnv(t, user)
	env.rules.rules = []*server.FilterRule{rule(1, testNow, subjectHello, server.RuleAction{
		Targets: []server.ForwardTarget{{Value: "COPY@example.net"}, {Type: server.TargetHTTP, Value: "https://hook.example.com"}},
	})}

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out.Kind)
	assert.NotEmpty(t, out.ForwardID)

	forwards := env.pusher.byReason(consts.ReasonForward)
	require.Len(t, forwards, 1)
	call := forwards[0]
	assert.Len(t, call.opts.Targets, 2)
	assert.Equal(t, "q1", call.opts.ParentID)
	assert.Equal(t, "sender@example.org", call.opts.From)
	assert.Equal(t, []string{"user@example.com"}, call.opts.To)
	assert.Equal(t, "user@example.com", call.opts.User)
	assert.Contains(t, string(call.body), "Delivered-To: user@example.com")
}

func TestProcessForwardDefaultsAndQuota(t *testing.T) {
	user := testUser()
	user.ForwardLimit = 1
	env := newTestEnv(t, user)
	opts := defaultOptions()
	opts.Targets = []server.ForwardTarget{{Value: "default@example.net"}}

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), opts)
	require.NoError(t, err)
	assert.NotEmpty(t, out.ForwardID)

	out, err = env.handler.Process(context.Background(), []byte(plainMessage), opts)
	require.NoError(t, err)
	assert.Empty(t, out.ForwardID)
	assert.Equal(t, OutcomeStored, out.Kind)
	assert.Len(t, env.pusher.byReason(consts.ReasonForward), 1)
	assert.Len(t, env.messages.reqs, 2)
}

func TestProcessForwardSkipsSpam(t *testing.T) {
	user := testUser()
	user.SpamLevel = 0
	user.Targets = []server.ForwardTarget{{Value: "copy@example.net"}}
	env := newTestEnv(t, user)

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	assert.Empty(t, out.ForwardID)
	assert.Empty(t, env.pusher.calls)
}

func TestProcessForwardLoopStillStores(t *testing.T) {
	user := testUser()
	user.Targets = []server.ForwardTarget{{Value: "copy@example.net"}}
	env := newTestEnv(t, user)
	env.pusher.err = consts.ErrLoop

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, out.Kind)
	assert.Empty(t, out.ForwardID)
}

func withAutoreply(user *server.User) *server.User {
	user.Autoreply = &server.AutoreplyConfig{Status: true, Subject: "Away", Text: "I am away."}
	return user
}

func TestProcessAutoreply(t *testing.T) {
	env := newTestEnv(t, withAutoreply(testUser()))

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	assert.NotEmpty(t, out.AutoreplyID)

	replies := env.pusher.byReason(consts.ReasonAutoreply)
	require.Len(t, replies, 1)
	assert.Equal(t, []string{"sender@example.org"}, replies[0].opts.To)
	assert.Equal(t, replies[0].opts.User, "user@example.com")
	assert.Contains(t, string(replies[0].body), "Subject: Auto: Away")
}

func TestProcessNoAutoreplyForGeneratedMail(t *testing.T) {
	env := newTestEnv(t, withAutoreply(testUser()))
	msg := "Auto-Submitted: auto-generated\r\n" + plainMessage

	out, err := env.handler.Process(context.Background(), []byte(msg), defaultOptions())
	require.NoError(t, err)
	assert.Empty(t, out.AutoreplyID)
	assert.Empty(t, env.pusher.byReason(consts.ReasonAutoreply))
}

func TestProcessNoAutoreplyForSpamOrInactive(t *testing.T) {
	user := withAutoreply(testUser())
	user.SpamLevel = 0
	env := newTestEnv(t, user)

	_, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)

	user.SpamLevel = 100
	end := testNow.Add(-time.Hour)
	user.Autoreply.End = &end
	_, err = env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)

	assert.Empty(t, env.pusher.byReason(consts.ReasonAutoreply))
}

func TestProcessDeleteWithAudit(t *testing.T) {
	env := newTestEnv(t, testUser())
	past := testNow.Add(-24 * time.Hour)
	env.audits.audits = []server.Audit{
		{ID: 1, UserID: 7},
		{ID: 2, UserID: 7, End: &past},
	}
	env.rules.rules = []*server.FilterRule{rule(4, testNow, subjectHello, server.RuleAction{Delete: boolp(true)})}

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, out.Kind)
	assert.Equal(t, []int64{4}, out.MatchedRules)
	assert.Nil(t, out.Message)
	assert.Empty(t, env.messages.reqs)

	require.Len(t, env.audits.copies, 1)
	c := env.audits.copies[0]
	assert.Equal(t, int64(1), c.auditID)
	assert.False(t, c.meta.Stored)
	assert.Equal(t, "q1", c.meta.QueueID)
	assert.Contains(t, string(c.raw), "Subject: Hello there")
}

func TestProcessAuditCopyOfStoredMessage(t *testing.T) {
	env := newTestEnv(t, testUser())
	env.audits.audits = []server.Audit{{ID: 1, UserID: 7}}

	_, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	require.Len(t, env.audits.copies, 1)
	assert.True(t, env.audits.copies[0].meta.Stored)
}

func TestProcessStoreFailure(t *testing.T) {
	env := newTestEnv(t, testUser())
	env.rules.rules = []*server.FilterRule{rule(1, testNow, subjectHello, server.RuleAction{Flag: boolp(true)})}
	storeErr := errors.New("s3 down")
	env.messages.err = storeErr

	out, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.Error(t, err)
	assert.Nil(t, out)

	var perr *ProcessError
	require.True(t, errors.As(err, &perr))
	assert.ErrorIs(t, err, storeErr)
	require.NotEmpty(t, perr.Filters)
	assert.Equal(t, int64(1), perr.Filters[0].RuleID)
}

type fakeEncrypter struct{ calls int }

func (e *fakeEncrypter) Encrypt(_ context.Context, _ *server.User, raw []byte) ([]byte, bool, error) {
	e.calls++
	return append([]byte("ENCRYPTED:"), raw...), true, nil
}

func TestProcessEncryptsStoredMessage(t *testing.T) {
	user := testUser()
	user.EncryptMessages = true
	env := newTestEnv(t, user)
	enc := &fakeEncrypter{}
	env.handler.Encrypter = enc

	_, err := env.handler.Process(context.Background(), []byte(plainMessage), defaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, enc.calls)
	req := env.messages.reqs[0]
	assert.True(t, req.Encrypted)
	assert.True(t, strings.HasPrefix(string(req.Raw), "ENCRYPTED:"))
}
