package maildrop

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/migadu/mailflow/logger"
	"github.com/migadu/mailflow/server"
)

// ExpandTargets turns the push options into one delivery per concrete
// recipient. Sequence numbers and ids are filled in by Push.
func ExpandTargets(opts PushOptions, sendingZone string) []*server.Delivery {
	zone := opts.SendingZone
	if zone == "" {
		zone = sendingZone
	}

	var deliveries []*server.Delivery
	add := func(recipient string) *server.Delivery {
		recipient = strings.TrimSpace(recipient)
		if recipient == "" {
			return nil
		}
		d := &server.Delivery{
			Recipient:   recipient,
			Domain:      server.AddressDomain(recipient),
			SendingZone: zone,
		}
		deliveries = append(deliveries, d)
		return d
	}

	if len(opts.Targets) == 0 {
		for _, to := range opts.To {
			add(to)
		}
		return deliveries
	}

	for _, target := range opts.Targets {
		switch target.Type {
		case server.TargetMail:
			add(target.Value)

		case server.TargetRelay:
			mx, err := ParseRelayURL(target.Value)
			if err != nil {
				logger.Warn("Maildrop: skipping relay target", "target", target.Value, "error", err)
				continue
			}
			for _, rcpt := range unionRecipients(opts.To, target.Recipient) {
				if d := add(rcpt); d != nil {
					override := *mx
					d.MX = &override
					d.SkipSRS = true
					d.SkipPolicy = true
				}
			}

		case server.TargetHTTP:
			for _, rcpt := range unionRecipients(opts.To, target.Recipient) {
				if d := add(rcpt); d != nil {
					d.HTTP = true
					d.TargetURL = target.Value
				}
			}

		default:
			logger.Warn("Maildrop: unknown target type", "type", target.Type, "target", target.Value)
		}
	}

	return deliveries
}

func unionRecipients(to []string, extra string) []string {
	seen := make(map[string]bool, len(to)+1)
	var out []string
	for _, rcpt := range append(append([]string(nil), to...), extra) {
		key := server.NormalizeAddress(rcpt)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(rcpt))
	}
	return out
}

// ParseRelayURL parses an smtp:// or smtps:// relay URL into an MX override.
func ParseRelayURL(value string) (*server.MXOverride, error) {
	u, err := url.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}

	mx := &server.MXOverride{}
	switch strings.ToLower(u.Scheme) {
	case "smtp":
		mx.Port = 25
	case "smtps":
		mx.Port = 465
		mx.Secure = true
	default:
		return nil, fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("relay url without host")
	}
	mx.Exchanges = []string{host}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid relay port %q", p)
		}
		mx.Port = port
	}

	if u.User != nil {
		mx.AuthUser = u.User.Username()
		mx.AuthPass, _ = u.User.Password()
	}

	return mx, nil
}
