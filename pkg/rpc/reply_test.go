package rpc

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadReply_SingleLine(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteReply(w, CodeOK, "ok"))
	require.Equal(t, "200 ok\n", buf.String())

	reply, err := ReadReply(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, CodeOK, reply.Code)
	require.Equal(t, "ok", reply.Text())
}

func TestWriteReadReply_MultiLine(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteReply(w, CodeOK, "line1", "line2", "line3"))
	require.Equal(t, "200-line1\n200-line2\n200 line3\n", buf.String())

	reply, err := ReadReply(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, []string{"line1", "line2", "line3"}, reply.Lines)
}

func TestReply_IsSuccess(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{CodeOK, true}, {CodeGreeting, true}, {CodeSendFDNow, true},
		{CodeNotFinished, false}, {CodeProtocol, false}, {CodeException, false},
	}
	for _, tt := range tests {
		r := Reply{Code: tt.code}
		require.Equal(t, tt.want, r.IsSuccess(), "Reply{Code:%d}.IsSuccess()", tt.code)
	}
}

func TestReadReply_MismatchedCodeRejected(t *testing.T) {
	buf := bytes.NewBufferString("200-first\n201 second\n")
	_, err := ReadReply(bufio.NewReader(buf))
	require.Error(t, err, "ReadReply should reject a reply whose continuation line changes status code")
}

func TestWriteReadCommand_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteCommand(w, "IF", "SET", "3", "name", "has space"))
	toks, err := ReadCommand(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, []string{"IF", "SET", "3", "name", "has space"}, toks)
}
