package rpc

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/nemu-network/nemu/pkg/nemuutil"
)

// wireException is the JSON payload base64-encoded into a 550 reply's
// second line: the reply body is "# comment\n<base64 serialised
// exception>". Kind distinguishes the error family so the client can
// reconstruct a typed nemuutil error (e.g. IsKeyError round-tripping)
// instead of a bare string.
type wireException struct {
	Kind    nemuutil.RemoteKind `json:"kind"`
	Errno   int                 `json:"errno"`
	Message string              `json:"message"`
	Trace   string              `json:"trace"`
}

// MarshalException serialises err as the two comment/payload lines of a
// 550 reply body.
func MarshalException(err error) []string {
	we := toWireException(err)
	data, marshalErr := json.Marshal(we)
	if marshalErr != nil {
		data = []byte(`{"kind":"Runtime","message":"exception marshalling failed"}`)
	}
	return []string{
		"# " + we.Message,
		base64.StdEncoding.EncodeToString(data),
	}
}

func toWireException(err error) wireException {
	if re, ok := err.(*nemuutil.RemoteError); ok {
		return wireException{Kind: re.Kind, Errno: re.Errno, Message: re.Message, Trace: re.RemoteTrace}
	}
	if ke, ok := err.(*nemuutil.KernelError); ok {
		return wireException{Kind: nemuutil.RemoteOSError, Message: ke.Error()}
	}
	if ce, ok := err.(*nemuutil.ConfigError); ok {
		return wireException{Kind: nemuutil.RemoteValueError, Message: ce.Error()}
	}
	return wireException{Kind: nemuutil.RemoteRuntimeError, Message: err.Error()}
}

// WriteException writes err to w as a complete 550 reply.
func WriteException(w *bufio.Writer, err error) error {
	return WriteReply(w, CodeException, MarshalException(err)...)
}

// UnmarshalException reconstructs a *nemuutil.RemoteError from a 550
// reply's lines. The client re-raises this locally, preserving
// RemoteTrace as a diagnostic field.
func UnmarshalException(lines []string) (*nemuutil.RemoteError, error) {
	if len(lines) < 2 {
		return nil, nemuutil.NewProtocolError("550 reply missing exception payload")
	}
	data, err := base64.StdEncoding.DecodeString(lines[1])
	if err != nil {
		return nil, nemuutil.NewProtocolError("malformed base64 exception payload: " + err.Error())
	}
	var we wireException
	if err := json.Unmarshal(data, &we); err != nil {
		return nil, nemuutil.NewProtocolError("malformed exception JSON: " + err.Error())
	}
	return &nemuutil.RemoteError{
		Kind:        we.Kind,
		Errno:       we.Errno,
		Message:     we.Message,
		RemoteTrace: we.Trace,
	}, nil
}

// ReplyToError converts a non-success Reply into a Go error: a 550 becomes
// the unmarshalled RemoteError, anything else in the 4xx/5xx range becomes
// a ProtocolError carrying the reply text.
func ReplyToError(r Reply) error {
	if r.IsSuccess() {
		return nil
	}
	if r.Code == CodeException {
		re, err := UnmarshalException(r.Lines)
		if err != nil {
			return err
		}
		return re
	}
	return nemuutil.NewProtocolError(fmt.Sprintf("%d %s", r.Code, r.Text()))
}
