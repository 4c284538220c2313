// Package passphrase resolves the authority keystore passphrase.
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

// Source resolves a keystore passphrase from an environment variable or by
// prompting the operator, caching the first result.
type Source struct {
	envVar string
	prompt io.Writer
	fd     int

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), prompt: os.Stderr, fd: int(os.Stdin.Fd())}
}

// Get returns the passphrase. Whitespace-only values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	if !term.IsTerminal(s.fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("authority keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("authority keystore passphrase required and no terminal available")
	}

	fmt.Fprint(s.prompt, "Enter authority keystore passphrase: ")
	bytes, err := term.ReadPassword(s.fd)
	fmt.Fprintln(s.prompt)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(string(bytes)) == "" {
		return "", errors.New("authority keystore passphrase cannot be empty")
	}
	return string(bytes), nil
}
