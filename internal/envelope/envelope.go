// Package envelope implements small helpers for picking apart user@domain
// addresses and annotating RFC 5322 messages. The CLI uses AddHeader to
// prepend an Authentication-Results header to a verified message; it does
// not use the address helpers.
package envelope

import (
	"fmt"
	"strings"
)

// Split an user@domain address into user and domain.
func Split(addr string) (string, string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}

	return ps[0], ps[1]
}

// UserOf user@domain returns user.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf user@domain returns domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// AddHeader prepends a header to the message, indenting continuation lines
// so the result stays a single folded header.
func AddHeader(data []byte, k, v string) []byte {
	if len(v) > 0 {
		if v[len(v)-1] == '\n' {
			v = v[:len(v)-1]
		}
		v = strings.ReplaceAll(v, "\n", "\n\t")
	}

	header := []byte(fmt.Sprintf("%s: %s\n", k, v))
	return append(header, data...)
}
