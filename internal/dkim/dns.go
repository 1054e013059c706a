package dkim

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"go.dkimverify.dev/dkimverify/internal/dkimcrypto"
	"go.dkimverify.dev/dkimverify/internal/set"
	"golang.org/x/net/idna"
)

// selectorGrammar matches a selector against the sub-domain grammar RFC 5321
// §4.1.2 defines for the left-hand side of a domain: a dot-separated list of
// "let-dig (ldh-str)*" labels.
// https://datatracker.ietf.org/doc/html/rfc5321#section-4.1.2
var selectorGrammar = regexp.MustCompile(
	`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*$`)

var (
	errInvalidSelector = errors.New("invalid selector")
	errInvalidDomain   = errors.New("invalid domain")
)

// findPublicKeys fetches the DKIM public-key records published at
// selector._domainkey.domain and parses every TXT value that looks like a
// key. RFC 6376 leaves behavior undefined when more than one record is
// published there; this collects all of them rather than picking one, and
// lets the caller's key-matching loop sort out which (if any) verifies.
// It returns an error when the lookup yields no records, or when no record
// yields a key and at least one of them is not a valid tag-value list.
func findPublicKeys(ctx context.Context, domain, selector string) ([]*publicKey, error) {
	if !selectorGrammar.MatchString(selector) {
		return nil, fmt.Errorf("%w: %q", errInvalidSelector, selector)
	}

	// d= arrives already encoded as an A-label when it names an
	// internationalized domain (that's the signer's responsibility, not
	// the verifier's), but it must still be a syntactically valid domain
	// name before it's glued into a query name.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.6.2
	if _, err := idna.Lookup.ToASCII(domain); err != nil {
		return nil, fmt.Errorf("%w: %q: %w", errInvalidDomain, domain, err)
	}

	// Subdomain where the key lives.
	d := selector + "._domainkey." + domain
	values, err := lookupTXT(ctx, d)
	if err != nil {
		trace(ctx, "TXT lookup of %q failed: %v", d, err)
		return nil, err
	}
	if len(values) == 0 {
		trace(ctx, "TXT lookup of %q returned no records", d)
		return nil, fmt.Errorf("no TXT records at %q", d)
	}

	// There should be only a single record; RFC 6376 says the results are
	// undefined if there are multiple TXT records.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.6.2.2
	//
	// What other implementations do:
	//  - dkimpy: Use the first TXT record (whatever it is).
	//  - OpenDKIM: Use the first TXT record (whatever it is).
	//  - driusan/dkim: Use the first TXT record that can be parsed as a key.
	//  - go-msgauth: Reject if there are multiple records.
	//
	// What we do: use _all_ TXT records that can be parsed as keys. This is
	// possibly too much, and we could reconsider this in the future.

	pks := []*publicKey{}
	var malformed error
	for _, v := range values {
		trace(ctx, "TXT record for %q: %q", d, v)
		pk, err := parsePublicKey(v)
		if err != nil {
			trace(ctx, "Skipping: %v", err)
			if errors.Is(err, errInvalidTag) {
				malformed = err
			}
			continue
		}
		trace(ctx, "Parsed public key: %s", pk)
		pks = append(pks, pk)
	}

	if len(pks) == 0 && malformed != nil {
		return nil, fmt.Errorf("malformed key record at %q: %w", d, malformed)
	}

	return pks, nil
}

type publicKey struct {
	H []crypto.Hash
	K keyType
	P []byte // raw p= bytes, as published.
	S []string
	T []string // t= tag, representing flags.

	// pemKey is P reconstructed as a PEM-encoded SubjectPublicKeyInfo, the
	// form the Crypto capability's Verify takes.
	pemKey []byte
}

func (pk *publicKey) String() string {
	return fmt.Sprintf("[%s:%.8x]", pk.K, pk.P)
}

func (pk *publicKey) Matches(kt keyType, h crypto.Hash) bool {
	if pk.K != kt {
		return false
	}
	if len(pk.H) > 0 && !slices.Contains(pk.H, h) {
		return false
	}
	return pk.allowsEmail()
}

// allowsEmail checks the s= service-type tag: absent or "*" allows any
// service, otherwise "email" must be listed explicitly.
// https://datatracker.ietf.org/doc/html/rfc6376#section-3.6.1
func (pk *publicKey) allowsEmail() bool {
	if len(pk.S) == 0 {
		return true
	}
	s := set.NewString(pk.S...)
	return s.Has("*") || s.Has("email")
}

func (pk *publicKey) StrictDomainCheck() bool {
	// t=s is set.
	return set.NewString(pk.T...).Has("s")
}

func parsePublicKey(v string) (*publicKey, error) {
	// Public key is a tag-value list.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.6.1
	tags, _, err := parseTags(v)
	if err != nil {
		return nil, err
	}

	// "v" is optional, but if present it must be "DKIM1".
	ver, ok := tags["v"]
	if ok && ver != "DKIM1" {
		return nil, fmt.Errorf("%w: %q", errInvalidVersion, ver)
	}

	pk := &publicKey{
		// The default key type is rsa.
		K: keyTypeRSA,
	}

	// h is a colon-separated list of hashing algorithm names. Unrecognized
	// algorithms are ignored rather than rejected.
	// https://datatracker.ietf.org/doc/html/rfc6376#section-3.6.1
	for _, h := range splitColonList(tags["h"]) {
		if x, err := hashFromString(h); err == nil {
			pk.H = append(pk.H, x)
		}
	}

	// k is key type (may not be present, rsa is used in that case).
	if tags["k"] != "" {
		pk.K, err = keyTypeFromString(tags["k"])
		if err != nil {
			return nil, err
		}
	}

	// p is public-key data, base64-encoded, and whitespace in it must be
	// ignored. Required.
	p, err := base64.StdEncoding.DecodeString(tags["p"])
	if err != nil {
		return nil, fmt.Errorf("error decoding p=: %w", err)
	}
	pk.P = p

	switch pk.K {
	case keyTypeRSA:
		pk.pemKey, err = parseRSAPublicKey(p)
	case keyTypeEd25519:
		pk.pemKey, err = parseEd25519PublicKey(p)
	}
	if err != nil {
		return nil, err
	}

	// s and t are colon-separated lists of service types and flags.
	pk.S = splitColonList(tags["s"])
	pk.T = splitColonList(tags["t"])

	return pk, nil
}

// splitColonList splits a DKIM tag value on ":", RFC 6376's separator for the
// list-valued tags (h=, s=, t=, q=). An empty tag is zero items, not one.
func splitColonList(tag string) []string {
	if tag == "" {
		return nil
	}
	return strings.Split(tag, ":")
}

var (
	errInvalidRSAPublicKey = errors.New("invalid RSA public key")
	errNotRSAPublicKey     = errors.New("not an RSA public key")
	errRSAKeyTooSmall      = errors.New("RSA public key too small")
	errInvalidEd25519Key   = errors.New("invalid Ed25519 public key")
)

func parseRSAPublicKey(p []byte) ([]byte, error) {
	// Either PKCS#1 or SubjectPublicKeyInfo.
	// See https://www.rfc-editor.org/errata/eid3017.
	pub, err := x509.ParsePKIXPublicKey(p)
	if err != nil {
		pub, err = x509.ParsePKCS1PublicKey(p)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidRSAPublicKey, err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errNotRSAPublicKey
	}

	// Enforce 1024-bit minimum.
	// https://datatracker.ietf.org/doc/html/rfc8301#section-3.2
	if rsaPub.Size()*8 < 1024 {
		return nil, errRSAKeyTooSmall
	}

	return dkimcrypto.EncodeSubjectPublicKeyInfo(rsaPub)
}

func parseEd25519PublicKey(p []byte) ([]byte, error) {
	// https://datatracker.ietf.org/doc/html/rfc8463
	if len(p) != ed25519.PublicKeySize {
		return nil, errInvalidEd25519Key
	}

	return dkimcrypto.EncodeSubjectPublicKeyInfo(ed25519.PublicKey(p))
}
