package mailheader

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = "Received: from a\r\n" +
	"\tby b\r\n" +
	"Subject: =?UTF-8?B?SGVsbG8gV29ybGQ=?=\r\n" +
	"To: one@example.com\r\n" +
	"to: two@example.com\r\n" +
	"\r\n" +
	"body is ignored\r\n"

func TestParsePreservesOrderAndFolding(t *testing.T) {
	h := Parse([]byte(sample))

	require.Equal(t, 4, h.Len())
	assert.Equal(t, "from a by b", h.Get("received"))
	assert.Equal(t, []string{"one@example.com", "two@example.com"}, h.Values("TO"))
	assert.Equal(t, 2, h.Count("To"))

	// untouched fields serialize back byte for byte
	assert.Equal(t, sample[:len(sample)-len("body is ignored\r\n")], string(h.Bytes()))
}

func TestParseKeepsMalformedLines(t *testing.T) {
	raw := " leading continuation\nno colon here\nX-A: 1\n\tfolded\nbad key: x\nX-B:2"
	h := Parse([]byte(raw))
	assert.Equal(t, 2, h.Len())
	assert.Equal(t, "1 folded", h.Get("x-a"))
	assert.Equal(t, "2", h.Get("x-b"))
	assert.False(t, h.Has("bad key"))
	assert.Equal(t, raw+"\r\n\r\n", string(h.Bytes()))
}

func TestMalformedLinesKeepPosition(t *testing.T) {
	h := Parse([]byte("X-A: 1\r\ngarbage one\r\nBcc: hidden\r\nX-B: 2\r\ngarbage two\r\n\r\n"))

	h.Add("Received", "top")
	assert.Equal(t, 1, h.Remove("bcc"))
	h.Update("x-a", "updated")
	h.Append("X-Tail", "end")

	assert.Equal(t,
		"Received: top\r\nX-A: updated\r\ngarbage one\r\nX-B: 2\r\ngarbage two\r\nX-Tail: end\r\n\r\n",
		string(h.Bytes()))
	assert.Equal(t, Line{Key: "", Line: "garbage one"}, h.Lines()[2])
}

func TestWriteToIsByteExact(t *testing.T) {
	raw := "Received: from mx\r\n\tby relay\r\nFrom foo@example.org Mon Jan  1 00:00:00 2024\r\nSubject: hi\r\n\r\n"
	h := Parse([]byte(raw))

	var buf bytes.Buffer
	n, err := h.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), n)
	assert.Equal(t, raw, buf.String())
}

func TestDecoded(t *testing.T) {
	h := Parse([]byte(sample))
	assert.Equal(t, []string{"Hello World"}, h.Decoded("subject"))
	assert.Equal(t, "=?bogus", DecodeValue("=?bogus"))
}

func TestFirstOrDefault(t *testing.T) {
	h := &Header{}
	assert.Equal(t, "fallback", h.FirstOrDefault("missing", "fallback"))
	h.Append("X-Test", "value")
	assert.Equal(t, "value", h.FirstOrDefault("x-test", "fallback"))
	assert.True(t, h.Has("X-TEST"))
}

func TestAddAppendReplace(t *testing.T) {
	h := Parse([]byte("Delivered-To: old@example.com\r\nSubject: hi\r\nDelivered-To: older@example.com\r\n\r\n"))

	h.Replace("Delivered-To", "new@example.com")
	require.Equal(t, 2, h.Len())
	assert.Equal(t, Line{Key: "delivered-to", Line: "Delivered-To: new@example.com"}, h.Lines()[0])
	assert.Equal(t, []string{"new@example.com"}, h.Values("delivered-to"))

	h.Add("Return-Path", "<a@example.com>")
	h.Append("X-Tail", "end")
	assert.Equal(t,
		"Return-Path: <a@example.com>\r\nDelivered-To: new@example.com\r\nSubject: hi\r\nX-Tail: end\r\n\r\n",
		string(h.Bytes()))
}

func TestUpdate(t *testing.T) {
	h := Parse([]byte("A: 1\r\nDate: x\r\nB: 2\r\nDate: y\r\n\r\n"))
	h.Update("date", "now")
	assert.Equal(t, "A: 1\r\nDate: now\r\nB: 2\r\n\r\n", string(h.Bytes()))

	h.Update("Message-ID", "<id@host>")
	assert.Equal(t, "Message-ID: <id@host>", h.Lines()[0].Line)
	assert.Equal(t, "<id@host>", h.Get("message-id"))

	h.Update("A", "multi\r\nline")
	assert.Equal(t, "multi line", h.Get("a"))
}

func TestRemove(t *testing.T) {
	h := Parse([]byte("Bcc: a\r\nTo: b\r\nBCC: c\r\n\r\n"))
	assert.Equal(t, 2, h.Remove("bcc"))
	assert.Equal(t, 0, h.Remove("bcc"))
	assert.Equal(t, 1, h.Len())
}

func TestLinesAndClone(t *testing.T) {
	h := Parse([]byte("Subject: a\r\n b\r\nTo: x\r\n\r\n"))
	c := h.Clone()
	c.Replace("To", "y")

	assert.Equal(t, []Line{
		{Key: "subject", Line: "Subject: a\r\n b"},
		{Key: "to", Line: "To: x"},
	}, h.Lines())
	assert.Equal(t, "y", c.Get("to"))
}

func TestAppendAll(t *testing.T) {
	h := &Header{}
	h.Append("X-First", "1")
	h.AppendAll(Parse([]byte("X-Second: 2\r\n\r\n")))
	h.AppendAll(nil)
	assert.Equal(t, "X-First: 1\r\nX-Second: 2\r\n\r\n", string(h.Bytes()))
}
