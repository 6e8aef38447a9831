// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for room secrets. Rooms live only as long as the
// process, so these favour join latency over offline resistance.
const (
	argonTime    = 1
	argonMemory  = 19 * 1024
	argonThreads = 1
	argonKeyLen  = 32
	saltLen      = 16
)

type secretHasher struct {
	salt []byte
}

func newSecretHasher() secretHasher {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("rendezvous: reading random salt: " + err.Error())
	}
	return secretHasher{salt: salt}
}

// hash returns nil for the empty secret, meaning "unprotected".
func (h secretHasher) hash(secret string) []byte {
	if secret == "" {
		return nil
	}
	return argon2.IDKey([]byte(secret), h.salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// verifiersMatch reports whether a joiner's verifier matches the
// room's. Two unprotected verifiers match; protected and unprotected
// never do.
func verifiersMatch(room, joiner []byte) bool {
	if room == nil || joiner == nil {
		return room == nil && joiner == nil
	}
	return subtle.ConstantTimeCompare(room, joiner) == 1
}
