/*
 *    Copyright 2025 blockarchitech
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *        http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"blockarchitech.com/elitescore/internal/apperr"
	"golang.org/x/crypto/hkdf"
)

// DevEncryptionPassphrase is used when no passphrase is configured. Never rely on it outside development.
const DevEncryptionPassphrase = "elitescore-dev-integrations-key"

const cipherKeyInfo = "elitescore/integrations/token-cipher"

// ErrMalformedToken is returned when a cipher token cannot be split, decoded or authenticated.
var ErrMalformedToken = fmt.Errorf("%w: cipher token", apperr.ErrMalformedToken)

// SecretCipher encrypts provider secrets at rest.
// Tokens have the form hex(iv):hex(ciphertext) and every Encrypt uses a fresh iv.
type SecretCipher struct {
	aead cipher.AEAD
}

// NewSecretCipher derives an AES-256 key from passphrase.
func NewSecretCipher(passphrase string) (*SecretCipher, error) {
	if passphrase == "" {
		passphrase = DevEncryptionPassphrase
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, []byte(cipherKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive cipher key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &SecretCipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random iv.
func (c *SecretCipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (c *SecretCipher) Decrypt(token string) (string, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: expected iv:ciphertext", ErrMalformedToken)
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: bad iv", ErrMalformedToken)
	}
	sealed, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrMalformedToken)
	}

	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return string(plaintext), nil
}
