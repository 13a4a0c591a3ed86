package consts

const MailboxInbox = "INBOX"

// SpecialUseJunk is the special-use attribute of the spam folder.
const SpecialUseJunk = `\Junk`

// Delivery reasons recorded on queued messages.
const (
	ReasonForward   = "forward"
	ReasonAutoreply = "autoreply"
	ReasonSubmit    = "submit"
)

// Header names written by the processing pipeline.
const (
	HeaderLoopMarker   = "X-Mailflow-Loop"
	HeaderAutoreplyFor = "X-Mailflow-Autoreply-For"
)
