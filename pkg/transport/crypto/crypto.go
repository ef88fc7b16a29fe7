/*
Copyright ConsenSys AG. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package crypto implements the symmetric box construction used by the push
// channel: x25519-xsalsa20-poly1305 with a fresh ephemeral key pair per
// encryption and fixed-block zero padding to coarsen the plaintext length.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

// Algorithm is the version discriminator carried by every envelope.
const Algorithm = "x25519-xsalsa20-poly1305"

// BlockSize is the padding granularity applied to plaintexts before
// encryption. The distinct 50-byte padding used by the push transport on the
// notification body is deliberately not unified with this constant.
const BlockSize = 64

const (
	nonceLength = 24
	keyLength   = 32
)

// Envelope is the one-shot encrypted payload. All fields are base64.
type Envelope struct {
	Version        string `json:"version"`
	Nonce          string `json:"nonce"`
	EphemPublicKey string `json:"ephemPublicKey"`
	Ciphertext     string `json:"ciphertext"`
}

// Pad appends NUL bytes to s until its length is a multiple of blockSize.
// A string already on a block boundary is returned unchanged.
func Pad(s string, blockSize int) string {
	rem := len(s) % blockSize
	if rem == 0 {
		return s
	}

	return s + strings.Repeat("\x00", blockSize-rem)
}

// Unpad strips the trailing NUL bytes added by Pad.
func Unpad(s string) string {
	return strings.TrimRight(s, "\x00")
}

// Encrypt seals plaintext for the base64-encoded recipient public key,
// generating a fresh ephemeral key pair and nonce. The plaintext is padded
// to BlockSize before sealing.
func Encrypt(plaintext, recipientPub string) (*Envelope, error) {
	recipient, err := decodeKey(recipientPub)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient public key: %w", err)
	}

	ephemPub, ephemSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key pair: %w", err)
	}

	var nonce [nonceLength]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	padded := Pad(plaintext, BlockSize)
	sealed := box.Seal(nil, []byte(padded), &nonce, recipient, ephemSec)

	return &Envelope{
		Version:        Algorithm,
		Nonce:          base64.StdEncoding.EncodeToString(nonce[:]),
		EphemPublicKey: base64.StdEncoding.EncodeToString(ephemPub[:]),
		Ciphertext:     base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Encrypter returns a function sealing plaintexts for the given recipient
// public key. Each call produces an independent one-shot envelope.
func Encrypter(recipientPub string) func(plaintext string) (*Envelope, error) {
	return func(plaintext string) (*Envelope, error) {
		return Encrypt(plaintext, recipientPub)
	}
}

// Decrypter returns a function opening envelopes with the given secret key.
// It fails on a version mismatch, on missing envelope fields and on
// authentication failure; it never returns garbage plaintext.
func Decrypter(secretKey *[keyLength]byte) func(env *Envelope) (string, error) {
	return func(env *Envelope) (string, error) {
		if env == nil {
			return "", errors.New("invalid encrypted message")
		}

		if env.Version != Algorithm {
			return "", fmt.Errorf("unsupported encryption algorithm: %s", env.Version)
		}

		if env.Ciphertext == "" || env.Nonce == "" || env.EphemPublicKey == "" {
			return "", errors.New("invalid encrypted message")
		}

		ephemPub, err := decodeKey(env.EphemPublicKey)
		if err != nil {
			return "", fmt.Errorf("invalid ephemeral public key: %w", err)
		}

		nonceBytes, err := base64.StdEncoding.DecodeString(env.Nonce)
		if err != nil || len(nonceBytes) != nonceLength {
			return "", errors.New("invalid nonce")
		}

		ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
		if err != nil {
			return "", errors.New("invalid ciphertext")
		}

		var nonce [nonceLength]byte
		copy(nonce[:], nonceBytes)

		opened, ok := box.Open(nil, ciphertext, &nonce, ephemPub, secretKey)
		if !ok {
			return "", errors.New("could not decrypt message")
		}

		return Unpad(string(opened)), nil
	}
}

// GenerateKeyPair returns a base64-encoded public key and the matching
// secret key for use with Decrypter.
func GenerateKeyPair() (string, *[keyLength]byte, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, err
	}

	return base64.StdEncoding.EncodeToString(pub[:]), sec, nil
}

// RandomString returns a URL-safe random string derived from n random bytes.
func RandomString(n int) string {
	b := make([]byte, n)

	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}

	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeKey(encoded string) (*[keyLength]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	if len(raw) != keyLength {
		return nil, fmt.Errorf("expected %d key bytes, got %d", keyLength, len(raw))
	}

	var key [keyLength]byte
	copy(key[:], raw)

	return &key, nil
}
