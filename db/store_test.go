package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/server"
	"github.com/migadu/mailflow/server/indexer"
	"github.com/migadu/mailflow/server/mailstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

func TestUserLookups(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	name := uniqueName("lookup")
	id := createTestUser(t, db, name)

	u, err := db.UserByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, name, u.Username)
	assert.Equal(t, []string{"default"}, u.Tags)
	assert.Nil(t, u.Autoreply)

	u, err = db.UserByAddressView(ctx, name+"@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)

	u, err = db.UserByUsernameView(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)

	_, err = db.UserByID(ctx, -1)
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
	_, err = db.UserByAddressView(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, consts.ErrUserNotFound)
}

func TestMailboxLookups(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	id := createTestUser(t, db, uniqueName("mbox"))

	inbox, err := db.MailboxByPath(ctx, id, "inbox")
	require.NoError(t, err)
	assert.Equal(t, "INBOX", inbox.Path)

	junk, err := db.MailboxBySpecialUse(ctx, id, consts.SpecialUseJunk)
	require.NoError(t, err)
	assert.Equal(t, "Junk", junk.Path)

	byID, err := db.MailboxByID(ctx, id, junk.ID)
	require.NoError(t, err)
	assert.Equal(t, junk.Path, byID.Path)

	_, err = db.MailboxByPath(ctx, id, "Missing")
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
	_, err = db.MailboxByID(ctx, id+1000000, inbox.ID)
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
}

func TestRulesAndDomainPolicy(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	id := createTestUser(t, db, uniqueName("rules"))

	_, err := db.GetWritePool().Exec(ctx, `
		INSERT INTO filter_rules (user_id, name, query, action, created_at) VALUES
		($1, 'second', '{"text":"b"}', '{"seen":true}', now()),
		($1, 'first', '{"headers":{"from":{"value":"boss"}}}', '{"flag":true}', now() - interval '1 hour')`, id)
	require.NoError(t, err)

	rules, err := db.RulesForUser(ctx, id)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "first", rules[0].Name)
	assert.Equal(t, "boss", rules[0].Query.Headers["from"].Value)
	require.NotNil(t, rules[1].Action.Seen)
	assert.True(t, *rules[1].Action.Seen)

	tag := uniqueName("tag")
	other := uniqueName("tag")
	_, err = db.GetWritePool().Exec(ctx, `
		INSERT INTO domain_access (tag, domain, action) VALUES
		($1, 'spam.example', 'block'), ($2, 'spam.example', 'allow'), ($2, 'ok.example', 'allow')`, tag, other)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = db.GetWritePool().Exec(context.Background(), `DELETE FROM domain_access WHERE tag IN ($1, $2)`, tag, other)
	})

	policy, err := db.DomainPolicy(ctx, []string{tag, other}, "spam.example")
	require.NoError(t, err)
	assert.Equal(t, "block", policy)

	policy, err = db.DomainPolicy(ctx, []string{other}, "ok.example")
	require.NoError(t, err)
	assert.Equal(t, "allow", policy)

	policy, err = db.DomainPolicy(ctx, []string{tag}, "unknown.example")
	require.NoError(t, err)
	assert.Empty(t, policy)
}

func TestInsertMessageAllocatesUIDs(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	id := createTestUser(t, db, uniqueName("msg"))
	inbox, err := db.MailboxByPath(ctx, id, "INBOX")
	require.NoError(t, err)

	rec := &mailstore.MessageRecord{
		UserID:    id,
		MailboxID: inbox.ID,
		Hash:      "abc",
		Size:      42,
		Flags:     []imap.Flag{imap.FlagSeen},
		Subject:   "hello",
		Attachments: []*indexer.Attachment{
			{Part: "2", Filename: "a.txt", ContentType: "text/plain", Encoding: "base64", Size: 3, Hash: "h"},
		},
		Filters:  []server.FilterResult{},
		Received: time.Now(),
	}

	msgID, uid, err := db.InsertMessage(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(1), uid)

	_, uid2, err := db.InsertMessage(ctx, &mailstore.MessageRecord{
		UserID: id, MailboxID: inbox.ID, Hash: "def", Size: 1, Filters: []server.FilterResult{}, Received: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), uid2)

	a, err := db.GetAttachment(ctx, id, msgID, "2")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", a.Filename)
	assert.Equal(t, int64(3), a.Size)

	_, err = db.GetAttachment(ctx, id, msgID, "3")
	assert.ErrorIs(t, err, consts.ErrDBNotFound)

	_, _, err = db.InsertMessage(ctx, &mailstore.MessageRecord{UserID: id, MailboxID: -1, Filters: []server.FilterResult{}})
	assert.ErrorIs(t, err, consts.ErrMailboxNotFound)
}

func TestDeliveriesLifecycle(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	userID := createTestUser(t, db, uniqueName("queue"))

	now := time.Now()
	env := &server.Envelope{ID: uuid.NewString(), UserID: userID, From: "a@example.com", To: []string{"b@example.com", "c@example.com"}, Time: now}
	deliveries := []*server.Delivery{
		{ID: env.ID, Seq: server.SeqString(1), Domain: "example.com", SendingZone: "default", Recipient: "b@example.com", Queued: now, Created: now},
		{ID: env.ID, Seq: server.SeqString(2), Domain: "example.com", SendingZone: "default", Recipient: "c@example.com", Queued: now, Created: now},
	}

	n, err := db.InsertDeliveries(ctx, env, deliveries)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ids, err := db.QueuedForUser(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{env.ID}, ids)

	_, err = db.GetWritePool().Exec(ctx, `UPDATE deliveries SET locked = TRUE WHERE id = $1 AND seq = $2`, env.ID, deliveries[0].Seq)
	require.NoError(t, err)

	removed, err := db.DeleteUnlocked(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	remaining, err := db.CountDeliveries(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), remaining)

	_, err = db.GetWritePool().Exec(ctx, `UPDATE deliveries SET locked = FALSE WHERE id = $1`, env.ID)
	require.NoError(t, err)
	removed, err = db.DeleteUnlocked(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	ids, err = db.QueuedForUser(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAuditMessages(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	userID := createTestUser(t, db, uniqueName("audit"))

	var auditID int64
	require.NoError(t, db.GetWritePool().QueryRow(ctx,
		`INSERT INTO audits (user_id, start_time) VALUES ($1, now() - interval '1 day') RETURNING id`, userID).Scan(&auditID))

	audits, err := db.AuditsForUser(ctx, userID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.True(t, audits[0].Active(time.Now()))

	base := time.Now().Add(-time.Minute)
	_, err = db.InsertAuditMessage(ctx, auditID, "blob-2", server.AuditMeta{UserID: userID, Stored: true, Time: base.Add(time.Second)})
	require.NoError(t, err)
	_, err = db.InsertAuditMessage(ctx, auditID, "blob-1", server.AuditMeta{UserID: userID, Sender: "x@example.com", Time: base})
	require.NoError(t, err)

	msgs, err := db.ListAuditMessages(ctx, auditID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "blob-1", msgs[0].BlobID)
	assert.False(t, msgs[0].Stored)
	assert.Equal(t, "x@example.com", msgs[0].Sender)
	assert.True(t, msgs[1].Stored)
}
