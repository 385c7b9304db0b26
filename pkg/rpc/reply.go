package rpc

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// Reply status codes.
const (
	CodeOK          = 200
	CodeGreeting    = 220
	CodeGoodbye     = 221
	CodeSendFDNow   = 354
	CodeNotFinished = 450
	CodeProtocol    = 500
	CodeException   = 550
)

// Reply is one parsed server reply: a sequence of lines sharing a status
// code, the last of which is terminated with a space instead of a hyphen.
type Reply struct {
	Code  int
	Lines []string
}

// Text joins all lines with newlines, for display/logging.
func (r Reply) Text() string { return strings.Join(r.Lines, "\n") }

// IsSuccess reports a 2xx/3xx reply.
func (r Reply) IsSuccess() bool { return r.Code < 400 }

// WriteReply writes a reply per the grammar "NNN-text\n" for all but the
// last line, "NNN<SP>text\n" for the last.
func WriteReply(w *bufio.Writer, code int, lines ...string) error {
	if len(lines) == 0 {
		lines = []string{""}
	}
	for i, line := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		if _, err := fmt.Fprintf(w, "%d%c%s\n", code, sep, line); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadReply reads a (possibly multi-line) reply from r, per the grammar.
// All continuation lines must share the first line's status code;
// mismatches are reported as a ProtocolError.
func ReadReply(r *bufio.Reader) (Reply, error) {
	var reply Reply
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return Reply{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return Reply{}, nemuutil.NewProtocolError("malformed reply line " + strconv.Quote(line))
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return Reply{}, nemuutil.NewProtocolError("non-numeric reply code in " + strconv.Quote(line))
		}
		sep := line[3]
		text := line[4:]
		if reply.Code == 0 {
			reply.Code = code
		} else if reply.Code != code {
			return Reply{}, nemuutil.NewProtocolError("reply code changed mid-stream")
		}
		reply.Lines = append(reply.Lines, text)
		if sep == ' ' {
			return reply, nil
		}
		if sep != '-' {
			return Reply{}, nemuutil.NewProtocolError("malformed reply separator in " + strconv.Quote(line))
		}
	}
}

// WriteCommand writes one command line.
func WriteCommand(w *bufio.Writer, tokens ...string) error {
	if _, err := fmt.Fprintf(w, "%s\n", EncodeCommand(tokens...)); err != nil {
		return err
	}
	return w.Flush()
}

// ReadCommand reads and decodes one command line.
func ReadCommand(r *bufio.Reader) ([]string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return DecodeLine(line)
}
