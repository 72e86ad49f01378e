// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

// Package secrets encrypts broker and OPC-UA credentials at rest with
// AES-256-GCM. Credentials stored without encryption are refused.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const keySize = 32 // AES-256

// Errors returned by the keeper.
var (
	ErrNoKey         = errors.New("credentials key not configured")
	ErrNotEncrypted  = errors.New("credential is not encrypted")
	ErrInvalidCipher = errors.New("credential ciphertext is invalid")
)

// Ciphertexts carry a marker prefix so an unencrypted value stored by
// mistake is detected instead of fed to the cipher.
const marker = "enc:v1:"

// Keeper seals and opens credential strings with a process-wide key.
type Keeper struct {
	aead cipher.AEAD
}

// NewKeeper builds a keeper from a raw 32-byte key.
func NewKeeper(key []byte) (*Keeper, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("credentials key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Keeper{aead: aead}, nil
}

// NewKeeperFromBase64 builds a keeper from a base64-encoded key string, the
// form the key takes in an environment variable.
func NewKeeperFromBase64(encoded string) (*Keeper, error) {
	if encoded == "" {
		return nil, ErrNoKey
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("credentials key is not valid base64: %w", err)
	}
	return NewKeeper(key)
}

// NewKeeperFromFile reads a base64-encoded key from a file. Surrounding
// whitespace is tolerated.
func NewKeeperFromFile(path string) (*Keeper, error) {
	if path == "" {
		return nil, ErrNoKey
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials key: %w", err)
	}
	return NewKeeperFromBase64(string(raw))
}

// Encrypt seals a plaintext credential. The output embeds a random nonce and
// is safe to store as-is.
func (k *Keeper) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	sealed := k.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return []byte(marker + base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt opens a sealed credential. Values missing the encryption marker
// are refused with ErrNotEncrypted rather than passed through. A nil keeper
// (no key configured) refuses everything with ErrNoKey.
func (k *Keeper) Decrypt(ciphertext []byte) (string, error) {
	if k == nil {
		return "", ErrNoKey
	}
	s := string(ciphertext)
	if !strings.HasPrefix(s, marker) {
		return "", ErrNotEncrypted
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, marker))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCipher, err)
	}
	ns := k.aead.NonceSize()
	if len(sealed) < ns {
		return "", ErrInvalidCipher
	}
	plain, err := k.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCipher, err)
	}
	return string(plain), nil
}
