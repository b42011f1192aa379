// Package passphrase resolves keystore passphrases for the ballot binaries.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// DefaultEnv is the variable consulted before prompting.
const DefaultEnv = "BALLOT_KEYSTORE_PASSPHRASE"

var (
	ErrEmpty    = errors.New("keystore passphrase cannot be empty")
	ErrMismatch = errors.New("passphrases do not match")
	ErrNoInput  = errors.New("keystore passphrase required")
)

// terminal reads secrets without echo.
type terminal interface {
	Interactive() bool
	ReadSecret() ([]byte, error)
}

type stdinTerminal struct{}

func (stdinTerminal) Interactive() bool { return term.IsTerminal(int(os.Stdin.Fd())) }

func (stdinTerminal) ReadSecret() ([]byte, error) { return term.ReadPassword(int(os.Stdin.Fd())) }

// Source resolves a passphrase once, from the environment or a terminal
// prompt, and caches the outcome.
type Source struct {
	envVar  string
	label   string
	confirm bool

	lookupEnv func(string) (string, bool)
	tty       terminal
	out       io.Writer

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting. label names the keystore in the
// prompt, e.g. "voter" or "admin".
func NewSource(envVar, label string) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "ballot"
	}
	return &Source{
		envVar:    strings.TrimSpace(envVar),
		label:     label,
		lookupEnv: os.LookupEnv,
		tty:       stdinTerminal{},
		out:       os.Stderr,
	}
}

// WithConfirm makes an interactive prompt ask twice. Use it when creating a
// keystore.
func (s *Source) WithConfirm() *Source {
	s.confirm = true
	return s
}

// Static returns a source that always yields value.
func Static(value string) *Source {
	s := &Source{}
	s.once.Do(func() { s.value, s.err = nonBlank(value) })
	return s
}

// Get returns the passphrase, resolving it on first use. An environment
// value is used verbatim; blank values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookupEnv(s.envVar); ok {
			if _, err := nonBlank(value); err != nil {
				return "", fmt.Errorf("%s is set: %w", s.envVar, err)
			}
			return value, nil
		}
	}
	if !s.tty.Interactive() {
		if s.envVar != "" {
			return "", fmt.Errorf("%s %w; set %s or run interactively", s.label, ErrNoInput, s.envVar)
		}
		return "", fmt.Errorf("%s %w and no terminal is available", s.label, ErrNoInput)
	}
	first, err := s.prompt("Enter %s keystore passphrase: ")
	if err != nil {
		return "", err
	}
	if !s.confirm {
		return first, nil
	}
	second, err := s.prompt("Repeat %s keystore passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", ErrMismatch
	}
	return first, nil
}

func (s *Source) prompt(format string) (string, error) {
	fmt.Fprintf(s.out, format, s.label)
	raw, err := s.tty.ReadSecret()
	fmt.Fprintln(s.out)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return nonBlank(string(raw))
}

func nonBlank(value string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return "", ErrEmpty
	}
	return value, nil
}
