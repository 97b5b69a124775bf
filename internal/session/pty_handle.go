package session

import "io"

// PtyHandle abstracts PTY operations so tests can substitute a pipe-backed
// fake for a real terminal. On Unix this wraps creack/pty (*os.File).
type PtyHandle interface {
	io.ReadWriteCloser
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
}
