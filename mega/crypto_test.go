package mega

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func testFileKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, fileKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestDecodeBase64Variants(t *testing.T) {
	t.Parallel()

	// URL-safe, standard-alphabet, and padded spellings of the same bytes.
	want := []byte{0xfb, 0xef}
	for _, encoded := range []string{"--8", "++8", "++8="} {
		got, err := decodeBase64(encoded)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestUnpackFileKey(t *testing.T) {
	t.Parallel()

	key := make([]byte, fileKeySize)
	for i := range key {
		key[i] = byte(i)
	}

	aesKey, nonce, err := unpackFileKey(key)
	require.NoError(t, err)
	for i := range 16 {
		require.Equal(t, key[i]^key[i+16], aesKey[i])
	}
	require.Equal(t, key[16:24], nonce[:])

	_, _, err = unpackFileKey(key[:16])
	require.Error(t, err)
}

func TestCTRReaderDecryptsStream(t *testing.T) {
	t.Parallel()

	key := testFileKey(t)
	plain := make([]byte, 100_000)
	_, err := rand.Read(plain)
	require.NoError(t, err)

	// CTR is symmetric, so encrypting with the same key material must be
	// undone exactly by the reader.
	aesKey, nonce, err := unpackFileKey(key)
	require.NoError(t, err)
	block, err := aes.NewCipher(aesKey[:])
	require.NoError(t, err)
	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce[:])
	encrypted := make([]byte, len(plain))
	cipher.NewCTR(block, iv).XORKeyStream(encrypted, plain)

	r, err := newCTRReader(bytes.NewReader(encrypted), key)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestDecryptNodeKey(t *testing.T) {
	t.Parallel()

	sharedKey := make([]byte, folderKeySize)
	_, err := rand.Read(sharedKey)
	require.NoError(t, err)

	nodeKey := testFileKey(t)
	block, err := aes.NewCipher(sharedKey)
	require.NoError(t, err)
	encrypted := make([]byte, len(nodeKey))
	for i := 0; i < len(nodeKey); i += aes.BlockSize {
		block.Encrypt(encrypted[i:i+aes.BlockSize], nodeKey[i:i+aes.BlockSize])
	}

	got, err := decryptNodeKey(sharedKey, encrypted)
	require.NoError(t, err)
	require.Equal(t, nodeKey, got)

	_, err = decryptNodeKey(sharedKey, encrypted[:aes.BlockSize+1])
	require.Error(t, err)
}

func TestDecryptAttr(t *testing.T) {
	t.Parallel()

	key := make([]byte, folderKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	plain := []byte(`MEGA{"n":"season 01/episode 01.mkv"}`)
	padded := make([]byte, (len(plain)+aes.BlockSize-1)/aes.BlockSize*aes.BlockSize)
	copy(padded, plain)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(encrypted, padded)

	name, err := decryptAttr(key, encrypted)
	require.NoError(t, err)
	require.Equal(t, "season 01/episode 01.mkv", name)
}

func TestDecryptAttrRejectsGarbage(t *testing.T) {
	t.Parallel()

	key := make([]byte, folderKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	garbage := make([]byte, 2*aes.BlockSize)
	_, err = rand.Read(garbage)
	require.NoError(t, err)

	_, err = decryptAttr(key, garbage)
	require.Error(t, err)
}

func TestFoldKey(t *testing.T) {
	t.Parallel()

	fileKey := testFileKey(t)
	folded, err := foldKey(fileKey)
	require.NoError(t, err)
	require.Len(t, folded, folderKeySize)
	for i := range folderKeySize {
		require.Equal(t, fileKey[i]^fileKey[i+16], folded[i])
	}

	folderKey := fileKey[:folderKeySize]
	same, err := foldKey(folderKey)
	require.NoError(t, err)
	require.Equal(t, folderKey, same)

	_, err = foldKey(fileKey[:10])
	require.Error(t, err)
}

func TestCTRCounterAdvancesBigEndian(t *testing.T) {
	t.Parallel()

	key := testFileKey(t)
	aesKey, nonce, err := unpackFileKey(key)
	require.NoError(t, err)
	block, err := aes.NewCipher(aesKey[:])
	require.NoError(t, err)

	// Encrypt the second block with an explicit counter value of 1 and
	// check the reader lines up with it after skipping the first block.
	plain := make([]byte, 2*aes.BlockSize)
	_, err = rand.Read(plain)
	require.NoError(t, err)

	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce[:])
	encrypted := make([]byte, len(plain))
	cipher.NewCTR(block, iv).XORKeyStream(encrypted[:aes.BlockSize], plain[:aes.BlockSize])

	binary.BigEndian.PutUint64(iv[8:], 1)
	cipher.NewCTR(block, iv).XORKeyStream(encrypted[aes.BlockSize:], plain[aes.BlockSize:])

	r, err := newCTRReader(bytes.NewReader(encrypted), key)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}
