// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrEmpty is returned when the source holds only whitespace.
var ErrEmpty = errors.New("secret: empty secret")

// ReadFromPath reads a secret from a file. Surrounding whitespace is
// trimmed. The caller must Close the result.
func ReadFromPath(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return fromTrimmed(data)
}

// ReadFromTerminal prints prompt to out and reads one line from the
// terminal fd with echo disabled. The caller must Close the result.
func ReadFromTerminal(fd int, out io.Writer, prompt string) (*Buffer, error) {
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("secret: fd %d is not a terminal", fd)
	}
	if _, err := io.WriteString(out, prompt); err != nil {
		return nil, fmt.Errorf("secret: writing prompt: %w", err)
	}
	data, err := term.ReadPassword(fd)
	io.WriteString(out, "\n")
	if err != nil {
		Zero(data)
		return nil, fmt.Errorf("secret: reading terminal: %w", err)
	}
	return fromTrimmed(data)
}

func fromTrimmed(data []byte) (*Buffer, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, ErrEmpty
	}
	// NewFromBytes zeroes trimmed; the surrounding whitespace is zeroed
	// separately.
	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
