package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"rksv-fiscal-service/internal/models"
)

// InitialHash is the sentinel previous hash of the very first link for a
// tenant. It is not valid hex, so it can never collide with a real digest.
const InitialHash = "INITIAL_HASH"

// CanonicalJSON serializes payload to the canonical form used for hashing:
// sorted-key UTF-8 JSON with HTML escaping disabled and no trailing newline.
// The payload is decoded and re-encoded through generic values so that struct
// field order never influences the output; numbers keep their original
// representation. This encoding is a compliance-facing contract: a third party
// must be able to reproduce every hash from the exported payloads.
func CanonicalJSON(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload not serializable: %v", err)
	}

	var decoded interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("payload not canonicalizable: %v", err)
	}

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(decoded); err != nil {
		return nil, fmt.Errorf("payload not canonicalizable: %v", err)
	}

	return bytes.TrimSpace(buf.Bytes()), nil
}

// Extend computes the next sequence hash of a tenant chain:
//
//	sequenceHash = hex(SHA-256(canonicalJSON(payload) ++ previousHash))
//
// Pure function, no I/O; callers persist the result themselves, which keeps
// dry-run verification possible. Callers supply InitialHash when no prior link
// exists.
func Extend(previousHash string, payload interface{}) (string, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}

	raw := append(canonical, []byte(previousHash)...)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Verify walks a tenant chain in creation order and checks the hash linkage:
// the first link must carry the InitialHash sentinel and every later link must
// reference the sequence hash of its predecessor. Timestamps are deliberately
// ignored; only the hash linkage orders the chain.
func Verify(links []models.ChainLink) error {
	if len(links) == 0 {
		return nil
	}

	if links[0].PreviousHash != InitialHash {
		return fmt.Errorf("link 0: previous hash %q is not the initial sentinel", links[0].PreviousHash)
	}

	for i := 1; i < len(links); i++ {
		if links[i].PreviousHash != links[i-1].SequenceHash {
			return fmt.Errorf("link %d: previous hash %q does not match predecessor sequence hash %q",
				i, links[i].PreviousHash, links[i-1].SequenceHash)
		}
	}

	return nil
}
