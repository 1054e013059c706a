package dkim

import (
	"context"
	"crypto"

	"go.dkimverify.dev/dkimverify/internal/dkimcrypto"
	"go.dkimverify.dev/dkimverify/internal/dkimdns"
)

type contextKey string

const traceKey contextKey = "trace"

func trace(ctx context.Context, f string, args ...interface{}) {
	traceFunc, ok := ctx.Value(traceKey).(TraceFunc)
	if !ok {
		return
	}
	traceFunc(f, args...)
}

// TraceFunc receives a human-readable line for every notable step of
// verification. It has no bearing on the result; it exists so a caller can
// surface a step-by-step explanation when a message unexpectedly fails.
type TraceFunc func(f string, a ...interface{})

func WithTraceFunc(ctx context.Context, trace TraceFunc) context.Context {
	return context.WithValue(ctx, traceKey, trace)
}

// TxtLookup is the DNS capability the KeyStore uses to fetch a selector's
// public key record. Implementations may block on network I/O; the core
// does not run lookups concurrently with anything else.
type TxtLookup interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type txtLookupFunc func(ctx context.Context, name string) ([]string, error)

func (f txtLookupFunc) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return f(ctx, name)
}

const lookupTXTKey contextKey = "lookupTXT"

// lookupTXTFunc is kept as the shape test code and WithLookupTXTFunc accept;
// internally it is wrapped into a TxtLookup.
type lookupTXTFunc func(ctx context.Context, domain string) ([]string, error)

func lookupTXT(ctx context.Context, domain string) ([]string, error) {
	if tl, ok := ctx.Value(lookupTXTKey).(TxtLookup); ok {
		return tl.LookupTXT(ctx, domain)
	}
	return dkimdns.Default.LookupTXT(ctx, domain)
}

// WithLookupTXTFunc overrides the DNS TXT lookup capability with a plain
// function, primarily for tests.
func WithLookupTXTFunc(ctx context.Context, lookupTXT lookupTXTFunc) context.Context {
	return WithTxtLookup(ctx, txtLookupFunc(lookupTXT))
}

// WithTxtLookup overrides the DNS TXT lookup capability.
func WithTxtLookup(ctx context.Context, tl TxtLookup) context.Context {
	return context.WithValue(ctx, lookupTXTKey, tl)
}

// Crypto is the hashing and signature-verification capability. alg is
// always crypto.SHA1 or crypto.SHA256. Verify's signed parameter is already
// the hash digest, not the raw signed bytes: this holds for both RSA
// (PKCS#1 v1.5 over a digest) and Ed25519-SHA256 (RFC 8463 signs over the
// SHA-256 digest rather than the raw message).
type Crypto interface {
	Hash(alg crypto.Hash, data []byte) []byte
	Verify(alg crypto.Hash, pemKey, signed, signature []byte) (bool, error)
}

const cryptoKey contextKey = "crypto"

func cryptoFromContext(ctx context.Context) Crypto {
	if c, ok := ctx.Value(cryptoKey).(Crypto); ok {
		return c
	}
	return dkimcrypto.Default{}
}

// WithCrypto overrides the hash/verify capability, primarily for tests that
// want to observe or fake signature verification.
func WithCrypto(ctx context.Context, c Crypto) context.Context {
	return context.WithValue(ctx, cryptoKey, c)
}

const maxHeadersKey contextKey = "maxHeaders"

func WithMaxHeaders(ctx context.Context, maxHeaders int) context.Context {
	return context.WithValue(ctx, maxHeadersKey, maxHeaders)
}

func maxHeaders(ctx context.Context) int {
	maxHeaders, ok := ctx.Value(maxHeadersKey).(int)
	if !ok {
		// By default, cap the number of signatures processed (arbitrarily
		// chosen, may be adjusted in the future) to bound the cost of a
		// message carrying many DKIM-Signature headers.
		// https://datatracker.ietf.org/doc/html/rfc6376#section-8.4
		return 5
	}
	return maxHeaders
}
