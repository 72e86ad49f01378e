// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at OpenSPC (https://openspc.dev/).
// Copyright 2024-present OpenSPC contributors.

package secrets

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeeper(t *testing.T) *Keeper {
	t.Helper()
	k, err := NewKeeper(bytes.Repeat([]byte{0x42}, 32))
	require.NoError(t, err)
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	k := testKeeper(t)
	sealed, err := k.Encrypt("s3cret-broker-pass")
	require.NoError(t, err)

	plain, err := k.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-broker-pass", plain)

	// Nonces are random, so two encryptions of the same value differ.
	sealed2, err := k.Encrypt("s3cret-broker-pass")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestDecryptRefusesUnencrypted(t *testing.T) {
	k := testKeeper(t)
	_, err := k.Decrypt([]byte("plaintext-password"))
	assert.ErrorIs(t, err, ErrNotEncrypted)
}

func TestDecryptRejectsTampering(t *testing.T) {
	k := testKeeper(t)
	sealed, err := k.Encrypt("value")
	require.NoError(t, err)
	sealed[len(sealed)-2] ^= 0xff
	_, err = k.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrInvalidCipher)
}

func TestNilKeeperRefusesDecrypt(t *testing.T) {
	var k *Keeper
	sealed, err := testKeeper(t).Encrypt("s3cret")
	require.NoError(t, err)
	_, err = k.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestWrongKeySize(t *testing.T) {
	_, err := NewKeeper([]byte("short"))
	assert.Error(t, err)
}

func TestKeeperFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	key := bytes.Repeat([]byte{7}, 32)
	require.NoError(t, os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(key)+"\n"), 0o600))

	k, err := NewKeeperFromFile(path)
	require.NoError(t, err)
	sealed, err := k.Encrypt("x")
	require.NoError(t, err)
	plain, err := k.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "x", plain)

	_, err = NewKeeperFromFile("")
	assert.ErrorIs(t, err, ErrNoKey)
}
