// Package maildrop hands outbound copies of a message to the delivery queue.
//
// Push expands forward targets into deliveries, normalizes the header,
// checks for forwarding loops, streams the message into the blob store and
// finally inserts one delivery row per recipient. A delivery is never
// inserted without a stored blob.
package maildrop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/mailflow/config"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/pkg/metrics"
	"github.com/migadu/mailflow/pkg/retry"
	"github.com/migadu/mailflow/pkg/streams"
	"github.com/migadu/mailflow/server"
	"github.com/migadu/mailflow/server/hooks"
)

// BlobMeta is stored alongside a queued message body.
type BlobMeta struct {
	Owner   int64
	Created time.Time
	Size    int64
}

// BlobWriter is an in-progress blob upload. Close commits it, Abort
// discards it.
type BlobWriter interface {
	io.Writer
	Close() error
	Abort(err error)
}

// BlobStore holds queued message bodies keyed by queue id.
type BlobStore interface {
	OpenWrite(ctx context.Context, id string, meta BlobMeta) (BlobWriter, error)
	Delete(ctx context.Context, id string) error
	// Metadata returns consts.ErrBlobNotFound for unknown ids.
	Metadata(ctx context.Context, id string) (*BlobMeta, error)
}

// DeliveryStore persists delivery rows.
type DeliveryStore interface {
	// InsertDeliveries inserts what it can and reports how many rows were
	// written. It only fails when nothing was inserted.
	InsertDeliveries(ctx context.Context, env *server.Envelope, deliveries []*server.Delivery) (int, error)
	DeleteUnlocked(ctx context.Context, id string) (int64, error)
	CountDeliveries(ctx context.Context, id string) (int64, error)
}

// PushOptions describe one message handed to the queue.
type PushOptions struct {
	ParentID    string
	UserID      int64
	User        string // main address of the account
	From        string // envelope sender, empty for a null sender
	To          []string
	Targets     []server.ForwardTarget
	Interface   string
	Reason      string
	Transtype   string
	Origin      string
	SendingZone string

	// SkipHooks bypasses both hook phases. Set for autoreplies.
	SkipHooks bool
}

// PushResult is returned for a queued message.
type PushResult struct {
	ID         string
	Deliveries []*server.Delivery
	Envelope   *server.Envelope
}

// Maildropper enqueues messages for delivery.
type Maildropper struct {
	blobs      BlobStore
	deliveries DeliveryStore
	hooks      *hooks.Registry
	loop       *LoopGuard

	hostname      string
	sendingZone   string
	chunkSize     int
	bodyBuffer    int
	maxHeaderSize int

	now func() time.Time
}

// New creates a Maildropper. registry may be nil.
func New(cfg config.MaildropConfig, blobs BlobStore, deliveries DeliveryStore, registry *hooks.Registry) (*Maildropper, error) {
	if blobs == nil || deliveries == nil {
		return nil, errors.New("maildrop: blob and delivery stores are required")
	}
	guard, err := NewLoopGuard(cfg.LoopSecret, cfg.GetMaxReceived(), cfg.GetMaxLoopMarkers())
	if err != nil {
		return nil, fmt.Errorf("maildrop: %w", err)
	}
	return &Maildropper{
		blobs:         blobs,
		deliveries:    deliveries,
		hooks:         registry,
		loop:          guard,
		hostname:      cfg.GetHostname(),
		sendingZone:   cfg.GetSendingZone(),
		chunkSize:     cfg.GetChunkSize(),
		bodyBuffer:    cfg.GetBodyBuffer(),
		maxHeaderSize: cfg.GetMaxHeaderSize(),
		now:           time.Now,
	}, nil
}

// Push queues body for every recipient described by opts.
func (m *Maildropper) Push(ctx context.Context, opts PushOptions, body io.Reader) (*PushResult, error) {
	start := m.now()
	reason := opts.Reason
	if reason == "" {
		reason = consts.ReasonSubmit
	}

	deliveries := ExpandTargets(opts, m.sendingZone)
	if len(deliveries) == 0 {
		metrics.QueuePushes.WithLabelValues(reason, "no_recipients").Inc()
		return nil, consts.ErrNoRecipients
	}

	id := uuid.NewString()
	for i, d := range deliveries {
		d.ID = id
		d.Seq = server.SeqString(i + 1)
		d.Queued = start
		d.Created = start
	}

	env := &server.Envelope{
		ID:          id,
		ParentID:    opts.ParentID,
		UserID:      opts.UserID,
		User:        opts.User,
		From:        opts.From,
		To:          opts.To,
		Interface:   opts.Interface,
		Reason:      reason,
		Transtype:   opts.Transtype,
		Time:        start,
		SendingZone: deliveries[0].SendingZone,
		Origin:      opts.Origin,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	headerCh, bodyCh := streams.Split(ctx, streams.Chunks(ctx, body, m.chunkSize), m.bodyBuffer, m.maxHeaderSize)

	ev, ok := <-headerCh
	if !ok {
		err := streams.Drain(bodyCh)
		if err == nil {
			err = ctx.Err()
		}
		if err == nil {
			err = consts.ErrMalformedMessage
		}
		metrics.QueuePushes.WithLabelValues(reason, "error").Inc()
		return nil, fmt.Errorf("read message header: %w", err)
	}
	env.Headers = ev.Header

	m.normalizeHeaders(env, start)

	if reason == consts.ReasonForward {
		looped, err := m.loop.Check(env.Headers, deliveries)
		if err != nil {
			streams.Drain(bodyCh)
			return nil, err
		}
		env.Looped = looped
	}

	payload := &hooks.Payload{Body: streams.NewChanReader(ctx, bodyCh)}
	if !opts.SkipHooks {
		if err := m.hooks.Run(ctx, hooks.PhaseStore, env, payload); err != nil {
			streams.Drain(bodyCh)
			metrics.QueuePushes.WithLabelValues(reason, "vetoed").Inc()
			logger.Info("Maildrop: message rejected by hook", "id", id, "error", err)
			return nil, err
		}
	}

	size, err := m.storeBlob(ctx, env, payload.Body)
	if err != nil {
		metrics.QueuePushes.WithLabelValues(reason, "error").Inc()
		return nil, err
	}

	if env.Looped {
		m.removeBlob(ctx, id)
		metrics.QueuePushes.WithLabelValues(reason, "looped").Inc()
		logger.Warn("Maildrop: loop detected, message dropped", "id", id, "parent", opts.ParentID, "user", opts.UserID)
		return nil, consts.ErrLoop
	}

	if !opts.SkipHooks {
		queuePayload := &hooks.Payload{BlobID: id, Size: size}
		if err := m.hooks.Run(ctx, hooks.PhaseQueue, env, queuePayload); err != nil {
			m.removeBlob(ctx, id)
			metrics.QueuePushes.WithLabelValues(reason, "vetoed").Inc()
			logger.Info("Maildrop: message rejected by hook", "id", id, "error", err)
			return nil, err
		}
	}

	env.Freeze()

	// A failed insert leaves the blob in place, the queue cleaner owns it.
	inserted, err := m.deliveries.InsertDeliveries(ctx, env, deliveries)
	if err != nil {
		metrics.QueuePushes.WithLabelValues(reason, "error").Inc()
		logger.Error("Maildrop: failed to insert deliveries", "id", id, "error", err)
		return nil, err
	}
	if inserted < len(deliveries) {
		logger.Warn("Maildrop: some deliveries were not inserted", "id", id, "inserted", inserted, "total", len(deliveries))
	}

	metrics.QueuePushes.WithLabelValues(reason, "queued").Inc()
	metrics.QueueDeliveries.Add(float64(inserted))
	metrics.QueueMessageBytes.Observe(float64(size))

	logger.Info("Maildrop: message queued", "id", id, "reason", reason, "user", opts.UserID,
		"from", opts.From, "deliveries", inserted, "size", size, "message_id", env.MessageID)

	return &PushResult{ID: id, Deliveries: deliveries, Envelope: env}, nil
}

// storeBlob streams the normalized header and the body into the blob store.
// The body hash is computed over the body only.
func (m *Maildropper) storeBlob(ctx context.Context, env *server.Envelope, body io.Reader) (int64, error) {
	w, err := m.blobs.OpenWrite(ctx, env.ID, BlobMeta{Owner: env.UserID, Created: env.Time})
	if err != nil {
		return 0, fmt.Errorf("open blob %s: %w", env.ID, err)
	}

	hasher := streams.NewRelaxedBodyHash()

	headerSize, err := env.Headers.WriteTo(w)
	if err == nil {
		var bodySize int64
		bodySize, err = io.Copy(io.MultiWriter(w, hasher), body)
		if err == nil {
			err = w.Close()
		}
		if err == nil {
			env.DKIM = server.DKIMState{
				HashAlgo: hasher.Algorithm(),
				BodyHash: hasher.Sum(),
				BodySize: hasher.Size(),
			}
			return headerSize + bodySize, nil
		}
	}

	w.Abort(err)
	m.removeBlob(ctx, env.ID)
	return 0, fmt.Errorf("store blob %s: %w", env.ID, err)
}

// removeBlob deletes a blob on an error path. It outlives a cancelled
// request context and never fails the caller.
func (m *Maildropper) removeBlob(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	err := retry.WithRetry(ctx, func() error {
		err := m.blobs.Delete(ctx, id)
		if errors.Is(err, consts.ErrBlobNotFound) {
			return nil
		}
		return err
	}, retry.CleanupBackoffConfig())
	if err != nil {
		logger.Warn("Maildrop: failed to delete blob", "id", id, "error", err)
	}
}

// RemoveFromQueue deletes the unlocked deliveries of a queued message owned
// by userID. The blob is removed once no deliveries remain.
func (m *Maildropper) RemoveFromQueue(ctx context.Context, id string, userID int64) error {
	meta, err := m.blobs.Metadata(ctx, id)
	if err != nil {
		return fmt.Errorf("queued message %s: %w", id, err)
	}
	if meta.Owner != userID {
		return consts.ErrNotEnoughPrivileges
	}

	deleted, err := m.deliveries.DeleteUnlocked(ctx, id)
	if err != nil {
		return fmt.Errorf("delete deliveries of %s: %w", id, err)
	}

	remaining, err := m.deliveries.CountDeliveries(ctx, id)
	if err != nil {
		return fmt.Errorf("count deliveries of %s: %w", id, err)
	}
	if remaining == 0 {
		if err := m.blobs.Delete(ctx, id); err != nil && !errors.Is(err, consts.ErrBlobNotFound) {
			return fmt.Errorf("delete blob %s: %w", id, err)
		}
	}

	logger.Info("Maildrop: removed from queue", "id", id, "user", userID, "deleted", deleted, "remaining", remaining)
	return nil
}
