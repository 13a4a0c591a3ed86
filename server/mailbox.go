package server

import (
	"strings"

	"github.com/migadu/mailflow/consts"
)

// Mailbox is a folder of a user that messages are routed to.
type Mailbox struct {
	ID         int64  `json:"id"`
	UserID     int64  `json:"userId"`
	Path       string `json:"path"`
	SpecialUse string `json:"specialUse,omitempty"`
}

// IsInbox reports whether the mailbox is the INBOX. The comparison ignores
// case as IMAP does for this one name.
func (m *Mailbox) IsInbox() bool {
	return strings.EqualFold(m.Path, consts.MailboxInbox)
}
