package helpers

import "fmt"

// NewS3Key constructs an S3 key for a stored message body.
func NewS3Key(userID int64, hash string) string {
	return fmt.Sprintf("messages/%d/%s", userID, hash)
}

// NewQueueKey constructs an S3 key for a queued outbound message.
func NewQueueKey(id string) string {
	return "queue/" + id
}

// NewAuditKey constructs an S3 key for an audit copy.
func NewAuditKey(auditID int64, id string) string {
	return fmt.Sprintf("audit/%d/%s", auditID, id)
}

// NewAttachmentKey constructs an S3 key for a decoded attachment.
func NewAttachmentKey(hash string) string {
	return "attachments/" + hash
}
