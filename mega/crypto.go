package mega

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	fileKeySize   = 32
	folderKeySize = 16
)

// decodeBase64 decodes MEGA's URL-safe unpadded base64 variant. Some
// clients emit standard-alphabet characters, both are accepted.
func decodeBase64(s string) ([]byte, error) {
	s = strings.NewReplacer("+", "-", "/", "_", "=", "").Replace(s)
	return base64.RawURLEncoding.DecodeString(s)
}

// unpackFileKey folds a 32-byte file key into the 16-byte AES key and the
// 8-byte CTR nonce MEGA derives from it.
func unpackFileKey(key []byte) (aesKey [16]byte, nonce [8]byte, err error) {
	if len(key) != fileKeySize {
		return aesKey, nonce, fmt.Errorf("file key must be %d bytes, got %d", fileKeySize, len(key))
	}
	for i := range 16 {
		aesKey[i] = key[i] ^ key[i+16]
	}
	copy(nonce[:], key[16:24])
	return aesKey, nonce, nil
}

// newCTRReader wraps an encrypted stream in MEGA's AES-128-CTR decryption.
// The counter block is the 8-byte nonce followed by a big-endian 64-bit
// block counter starting at zero.
func newCTRReader(r io.Reader, key []byte) (io.Reader, error) {
	aesKey, nonce, err := unpackFileKey(key)
	if nil != err {
		return nil, err
	}

	block, err := aes.NewCipher(aesKey[:])
	if nil != err {
		return nil, fmt.Errorf("failed to initialize AES cipher: %v", err)
	}

	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce[:])
	binary.BigEndian.PutUint64(iv[8:], 0)
	return cipher.StreamReader{S: cipher.NewCTR(block, iv), R: r}, nil
}

// decryptNodeKey decrypts a folder node's key with the shared folder key
// using AES-ECB, block by block.
func decryptNodeKey(sharedKey, encrypted []byte) ([]byte, error) {
	if len(encrypted)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted node key length %d is not block aligned", len(encrypted))
	}

	block, err := aes.NewCipher(sharedKey)
	if nil != err {
		return nil, fmt.Errorf("failed to initialize AES cipher: %v", err)
	}

	out := make([]byte, len(encrypted))
	for i := 0; i < len(encrypted); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], encrypted[i:i+aes.BlockSize])
	}
	return out, nil
}

// decryptAttr decrypts a node attribute blob (AES-CBC, zero IV) and returns
// the node name from the embedded MEGA attribute JSON.
func decryptAttr(key, data []byte) (string, error) {
	if len(key) != folderKeySize {
		return "", fmt.Errorf("attribute key must be %d bytes, got %d", folderKeySize, len(key))
	}
	if len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("attribute length %d is not block aligned", len(data))
	}

	block, err := aes.NewCipher(key)
	if nil != err {
		return "", fmt.Errorf("failed to initialize AES cipher: %v", err)
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, data)

	plain := strings.TrimRight(string(out), "\x00")
	const prefix = "MEGA"
	if !strings.HasPrefix(plain, prefix) {
		return "", errors.New("attribute blob is missing its magic prefix")
	}

	name := gjson.Get(strings.TrimPrefix(plain, prefix), "n")
	if !name.Exists() {
		return "", errors.New("attribute JSON has no name field")
	}
	return name.String(), nil
}

// foldKey reduces a 32-byte file node key to the 16-byte attribute key.
// 16-byte keys (folder nodes) pass through unchanged.
func foldKey(key []byte) ([]byte, error) {
	switch len(key) {
	case folderKeySize:
		return key, nil
	case fileKeySize:
		out := make([]byte, folderKeySize)
		for i := range folderKeySize {
			out[i] = key[i] ^ key[i+16]
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected node key length %d", len(key))
	}
}
