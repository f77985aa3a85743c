package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainArtifact = "cardrt/artifact/v1"
	DomainPatch    = "cardrt/patch/v1"
	DomainOutput   = "cardrt/output/v1"
	DomainSource   = "cardrt/source/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// HashValue computes the domain-separated hash of a value's canonical form.
func HashValue(domain string, v IRValue) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// SourceHash identifies a (source, manifest) pair. It keys the compiled
// artifact cache, so it must not depend on anything the compiler derives.
func SourceHash(source string, manifest IRObject) (string, error) {
	return HashValue(DomainSource, IRObject{
		"source":   IRString(source),
		"manifest": manifest,
	})
}

// ArtifactID computes the content address of a compiled artifact body.
// The body must not contain the id itself.
func ArtifactID(body IRObject) (string, error) {
	return HashValue(DomainArtifact, body)
}

// PatchID computes the content address of a proposed patch. The sequence
// number is part of the identity so that two identical proposals in one
// invocation stay distinct.
func PatchID(card, instance string, ops IRArray, tick, seq int64) (string, error) {
	return HashValue(DomainPatch, IRObject{
		"card":     IRString(card),
		"instance": IRString(instance),
		"ops":      ops,
		"tick":     IRInt(tick),
		"seq":      IRInt(seq),
	})
}

// OutputHash fingerprints an invocation result. Two runs with the same
// artifact, inputs, capabilities and seed must produce the same hash.
func OutputHash(result IRObject) (string, error) {
	return HashValue(DomainOutput, result)
}

// MustPatchID is like PatchID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPatchID(card, instance string, ops IRArray, tick, seq int64) string {
	id, err := PatchID(card, instance, ops, tick, seq)
	if err != nil {
		panic(err)
	}
	return id
}
