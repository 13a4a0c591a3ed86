package streams

import (
	"bytes"
	"encoding/base64"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func foldAll(data []byte, width int) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var sb strings.Builder
	for i := 0; i < len(enc); i += width {
		if i > 0 {
			sb.WriteString("\r\n")
		}
		end := i + width
		if end > len(enc) {
			end = len(enc)
		}
		sb.WriteString(enc[i:end])
	}
	return sb.String()
}

func partial(t *testing.T, data []byte, width int, start, max int64) string {
	t.Helper()
	rng := PartialBase64(width, start, max)
	require.Equal(t, int64(0), rng.Start%3)

	var src []byte
	if rng.Start < int64(len(data)) {
		src = data[rng.Start:]
	}
	var out bytes.Buffer
	require.NoError(t, EncodeRange(&out, bytes.NewReader(src), rng, width, max))
	return out.String()
}

func TestPartialBase64RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	data := make([]byte, 61)
	r.Read(data)

	for _, width := range []int{1, 2, 3, 4, 5, 7, 8, 19, 76} {
		full := foldAll(data, width)
		for start := 0; start <= len(full)+2; start++ {
			for _, max := range []int64{0, 1, 2, 3, 5, 9, 80} {
				want := ""
				if start < len(full) {
					want = full[start:]
				}
				if max > 0 && int64(len(want)) > max {
					want = want[:max]
				}
				got := partial(t, data, width, int64(start), max)
				require.Equal(t, want, got, "width=%d start=%d max=%d", width, start, max)
			}
		}
	}
}

func TestPartialBase64Range(t *testing.T) {
	// "YWJj\r\nZGVm" for "abcdef" at width 4
	rng := PartialBase64(4, 7, 0)
	assert.Equal(t, Base64Range{Start: 3, Skip: 1, Pad: 0}, rng)

	rng = PartialBase64(4, 4, 2)
	assert.Equal(t, Base64Range{Start: 0, Length: 6, Skip: 4, Pad: 0}, rng)
	assert.Equal(t, "\r\n", partial(t, []byte("abcdef"), 4, 4, 2))
}

func TestFoldWriter(t *testing.T) {
	var out bytes.Buffer
	w := NewFoldWriter(&out, 4, 2)
	_, err := w.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	assert.Equal(t, "ab\r\ncdef\r\ngh", out.String())
}
