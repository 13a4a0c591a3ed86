package server

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/text/unicode/norm"
)

// RFC 5322 compliant email validation regex
const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe  = regexp.MustCompile(LocalPartRegex)
	domainNameRe = regexp.MustCompile(DomainNameRegex)
)

type Address struct {
	fullAddress string
	localPart   string
	domain      string
	detail      string
}

// NewAddress parses and validates a plain address (no display name). The
// address is normalized first, internationalized domains are validated in
// their ASCII form.
func NewAddress(address string) (Address, error) {
	input := NormalizeAddress(address)
	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	at := strings.LastIndexByte(input, '@')
	if at <= 0 || at == len(input)-1 {
		return Address{}, fmt.Errorf("address missing @: '%s'", input)
	}
	localPart, domain := input[:at], input[at+1:]

	if !localPartRe.MatchString(localPart) && !isUnicodeLocalPart(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}
	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil || !domainNameRe.MatchString(asciiDomain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	detail := ""
	if plusIndex := strings.Index(localPart, "+"); plusIndex != -1 {
		detail = localPart[plusIndex+1:]
	}

	return Address{
		fullAddress: input,
		localPart:   localPart,
		domain:      domain,
		detail:      detail,
	}, nil
}

func isUnicodeLocalPart(s string) bool {
	if s == "" || strings.ContainsAny(s, "@\"(),:;<>[\\] ") {
		return false
	}
	for _, r := range s {
		if r > 0x7f {
			return true
		}
	}
	return false
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) Detail() string {
	return a.detail
}

// BaseLocalPart returns the local part without the detail (everything before the "+")
func (a Address) BaseLocalPart() string {
	if plusIndex := strings.Index(a.localPart, "+"); plusIndex != -1 {
		return a.localPart[:plusIndex]
	}
	return a.localPart
}

// BaseAddress returns the address without the detail part (e.g., "user@domain.com" from "user+detail@domain.com")
func (a Address) BaseAddress() string {
	return a.BaseLocalPart() + "@" + a.domain
}

// NormalizeDomain lower cases a domain and converts punycode labels to
// their unicode form. Domains that fail conversion are only lower cased.
func NormalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return ""
	}
	if u, err := idna.ToUnicode(domain); err == nil {
		return norm.NFC.String(u)
	}
	return domain
}

// NormalizeAddress returns the canonical form of an address: NFC
// normalized, lower cased local part, normalized domain.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimSuffix(strings.TrimPrefix(address, "<"), ">")
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return strings.ToLower(norm.NFC.String(address))
	}
	local := strings.ToLower(norm.NFC.String(address[:at]))
	return local + "@" + NormalizeDomain(address[at+1:])
}

// AddressDomain returns the normalized domain of an address, or an empty
// string.
func AddressDomain(address string) string {
	normalized := NormalizeAddress(address)
	at := strings.LastIndexByte(normalized, '@')
	if at < 0 {
		return ""
	}
	return normalized[at+1:]
}

// AddressView returns the lookup form of an address. The detail part and
// dots in the local part are removed, so "First.Last+news@Example.com"
// and "firstlast@example.com" resolve to the same account.
func AddressView(address string) string {
	normalized := NormalizeAddress(address)
	at := strings.LastIndexByte(normalized, '@')
	if at < 0 {
		return UsernameView(normalized)
	}
	local := normalized[:at]
	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}
	return strings.ReplaceAll(local, ".", "") + "@" + normalized[at+1:]
}

// UsernameView returns the lookup form of a username: NFC normalized, lower
// cased, without dots.
func UsernameView(username string) string {
	username = strings.ToLower(norm.NFC.String(strings.TrimSpace(username)))
	return strings.ReplaceAll(username, ".", "")
}
