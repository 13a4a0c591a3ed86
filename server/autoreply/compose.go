package autoreply

import (
	"bytes"
	"io"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/pkg/mailheader"
	"github.com/migadu/mailflow/server"
)

const defaultSubject = "Out of Office"

// Compose builds the reply to the message with header original. Without
// an HTML body the reply is a single text/plain part, otherwise a
// multipart/alternative with both.
func Compose(user *server.User, to, queueID string, original *mailheader.Header, now time.Time) ([]byte, error) {
	cfg := user.Autoreply
	if cfg == nil {
		cfg = &server.AutoreplyConfig{}
	}

	name := cfg.Name
	if name == "" {
		name = user.Name
	}

	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = strings.TrimSpace(mailheader.DecodeValue(original.Get("Subject")))
	}
	if subject == "" {
		subject = defaultSubject
	}

	var h gomail.Header
	h.SetAddressList("From", []*gomail.Address{{Name: name, Address: user.Address}})
	h.SetAddressList("To", []*gomail.Address{{Address: to}})
	h.SetSubject("Auto: " + subject)
	h.SetDate(now)

	if msgID := strings.TrimSpace(original.Get("Message-ID")); msgID != "" {
		h.Set("In-Reply-To", msgID)
		refs := strings.Join(strings.Fields(original.Get("References")), " ")
		if refs != "" {
			refs += " "
		}
		h.Set("References", refs+msgID)
	}
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("X-Auto-Response-Suppress", "All")
	if queueID != "" {
		h.Set(consts.HeaderAutoreplyFor, queueID)
	}

	var buf bytes.Buffer

	if cfg.HTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := gomail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, cfg.Text); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := gomail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	parts := []struct{ contentType, body string }{
		{"text/plain", cfg.Text},
		{"text/html", cfg.HTML},
	}
	for _, p := range parts {
		var ph gomail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		pw, err := mw.CreatePart(ph)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return nil, err
		}
		if err := pw.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
