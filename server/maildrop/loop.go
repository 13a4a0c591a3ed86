package maildrop

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/migadu/mailflow/consts"
	"github.com/migadu/mailflow/pkg/mailheader"
	"github.com/migadu/mailflow/pkg/metrics"
	"github.com/migadu/mailflow/server"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

const loopKeyInfo = "mailflow loop marker v1"

// LoopGuard signs and checks loop markers. A marker is "<salt>:<hash>"
// where hash is a keyed BLAKE3 hash over the salt and the sorted set of
// recipients the message is queued for.
type LoopGuard struct {
	key         []byte
	maxReceived int
	maxMarkers  int
}

// NewLoopGuard derives the marker key from secret.
func NewLoopGuard(secret string, maxReceived, maxMarkers int) (*LoopGuard, error) {
	if secret == "" {
		return nil, fmt.Errorf("loop secret is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(loopKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive loop key: %w", err)
	}
	return &LoopGuard{key: key, maxReceived: maxReceived, maxMarkers: maxMarkers}, nil
}

// recipientSet serializes the deliveries in a stable order.
func recipientSet(deliveries []*server.Delivery) string {
	seen := make(map[string]bool, len(deliveries))
	keys := make([]string, 0, len(deliveries))
	for _, d := range deliveries {
		key := server.NormalizeAddress(d.Recipient)
		switch {
		case d.HTTP:
			key = "http:" + d.TargetURL + ":" + key
		case d.MX != nil:
			key = "relay:" + strings.Join(d.MX.Exchanges, ",") + ":" + key
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return strings.Join(keys, "\n")
}

func (g *LoopGuard) sign(salt, recipients string) string {
	h := blake3.New(32, g.key)
	h.Write([]byte(salt))
	h.Write([]byte{0})
	h.Write([]byte(recipients))
	return hex.EncodeToString(h.Sum(nil))
}

// Check reports whether the message described by headers has already been
// forwarded to the same recipients. When it has not, a new marker is added
// at the top of the header.
func (g *LoopGuard) Check(h *mailheader.Header, deliveries []*server.Delivery) (bool, error) {
	if h.Count("Received") >= g.maxReceived {
		metrics.LoopsDetected.WithLabelValues("received").Inc()
		return true, nil
	}

	recipients := recipientSet(deliveries)

	markers := h.Values(consts.HeaderLoopMarker)
	if len(markers) > g.maxMarkers {
		markers = markers[:g.maxMarkers]
	}
	for _, marker := range markers {
		salt, hash, ok := strings.Cut(strings.TrimSpace(marker), ":")
		if !ok || salt == "" {
			continue
		}
		if hmac.Equal([]byte(hash), []byte(g.sign(salt, recipients))) {
			metrics.LoopsDetected.WithLabelValues("marker").Inc()
			return true, nil
		}
	}

	saltBytes := make([]byte, 8)
	if _, err := rand.Read(saltBytes); err != nil {
		return false, fmt.Errorf("generate loop salt: %w", err)
	}
	salt := hex.EncodeToString(saltBytes)
	h.Add(consts.HeaderLoopMarker, salt+":"+g.sign(salt, recipients))
	return false, nil
}
