package main

import "os"

// stdinCh is fed by a single long-lived reader goroutine over the
// process's stdin. Exactly one consumer reads from it at a time — the
// REPL's line assembler while the terminal is in cooked mode, or
// runShell's raw forwarder while a nested shell is attached — never both
// concurrently, since a tty delivers each keystroke to only one of two
// racing readers and nemuctl has no way to arbitrate that at the kernel
// level. Centralizing the actual os.Stdin.Read call here is what makes
// switching consumers between REPL and shell mode safe.
var stdinCh = make(chan []byte)

func init() {
	go pumpStdin()
}

func pumpStdin() {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			stdinCh <- chunk
		}
		if err != nil {
			close(stdinCh)
			return
		}
	}
}

// pending carries bytes received after a newline in the same chunk over
// to the next readLine call, so piped input with several commands per
// read (non-tty stdin hands back arbitrarily sized chunks) loses nothing.
var pending []byte

// readLine assembles stdinCh chunks into lines. With the terminal left in
// its default cooked mode, the tty driver already buffers a whole line
// per keystroke sequence ending in Enter; piped stdin may deliver more or
// less than one line per chunk, handled via pending.
func readLine() (string, bool) {
	var line []byte
	consume := func(chunk []byte) (string, bool) {
		for i, b := range chunk {
			if b == '\n' {
				pending = append(pending, chunk[i+1:]...)
				return string(trimCR(line)), true
			}
			line = append(line, b)
		}
		return "", false
	}

	if len(pending) > 0 {
		chunk := pending
		pending = nil
		if s, ok := consume(chunk); ok {
			return s, true
		}
	}
	for {
		chunk, ok := <-stdinCh
		if !ok {
			if len(line) > 0 {
				return string(line), true
			}
			return "", false
		}
		if s, ok := consume(chunk); ok {
			return s, true
		}
	}
}

func trimCR(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		return line[:n-1]
	}
	return line
}
