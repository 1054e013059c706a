package dkim

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMessage is returned when the raw input cannot be split into a
// well-formed header block and body: empty input, or a header section that
// never reaches the terminating blank line.
var ErrInvalidMessage = errors.New("invalid message")

var errInvalidHeader = errors.New("invalid header")

type header struct {
	Name   string
	Value  string
	Source string
}

type headers []header

// FindAll returns the headers with the given name, in order of appearance,
// matched case-insensitively per RFC 6376 §3.6.
func (hs headers) FindAll(name string) headers {
	var out headers
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	return out
}

// parseMessage splits a message already normalized to CRLF line endings into
// its headers and body, unfolding continuation lines as it walks the header
// block.
//
// Header values and sources are copied byte-for-byte from the input: nothing
// here touches whitespace, since doing so would corrupt the exact bytes a
// signature was computed over.
func parseMessage(message string) (headers, string, error) {
	if message == "" {
		return nil, "", fmt.Errorf("%w: empty input", ErrInvalidMessage)
	}

	var hs headers
	lines := strings.Split(message, "\r\n")
	for i, line := range lines {
		if line == "" {
			// The blank line terminating the header block; everything after
			// it, rejoined, is the body.
			return hs, strings.Join(lines[i+1:], "\r\n"), nil
		}

		if isContinuation(line) {
			if len(hs) == 0 {
				return nil, "", fmt.Errorf("%w: %w: bad continuation",
					ErrInvalidMessage, errInvalidHeader)
			}
			last := &hs[len(hs)-1]
			last.Value += "\r\n" + line
			last.Source += "\r\n" + line
			continue
		}

		h, err := parseHeader(line)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		hs = append(hs, h)
	}

	// Walked off the end of the message without ever finding the blank line
	// that separates the header block from the body.
	return nil, "", fmt.Errorf(
		"%w: header block has no terminating blank line", ErrInvalidMessage)
}

func isContinuation(line string) bool {
	return strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
}

func parseHeader(line string) (header, error) {
	name, value, found := strings.Cut(line, ":")
	if !found {
		return header{}, fmt.Errorf("%w: no colon", errInvalidHeader)
	}

	return header{
		Name:   name,
		Value:  value,
		Source: line,
	}, nil
}
