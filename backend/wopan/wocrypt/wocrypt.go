// Package wocrypt implements the Wo Cloud envelope encryption:
// AES-128-CBC with PKCS#7 padding, base64 encoded.
//
// Encrypt and Decrypt never fail hard.  On any problem (bad key
// material, malformed base64, broken padding) they return their input
// unchanged and leave it to the caller to notice that the result does
// not parse.  This mirrors the upstream clients which treat crypto as
// best effort.
package wocrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

const (
	userKey = "XFmi9GS2hzk98jGX"
	iv      = "wNSOYIB1k1DjY5lA"
)

// ChannelAPIUser is the login channel.  It always uses the built in
// user key, never the per account access key.
const ChannelAPIUser = "api-user"

// AccessKey derives the per account AES key from an access token.
// Tokens shorter than 16 bytes yield no key and calls fall back to
// the user key.
func AccessKey(token string) string {
	if len(token) < 16 {
		return ""
	}
	return token[:16]
}

// selectKey picks the AES key for a channel
func selectKey(channel, accessKey string) string {
	if channel == ChannelAPIUser || accessKey == "" {
		return userKey
	}
	return accessKey
}

// Encrypt encrypts plaintext for the given channel and returns it
// base64 encoded with standard padding
func Encrypt(plaintext, channel, accessKey string) string {
	block, err := aes.NewCipher([]byte(selectKey(channel, accessKey)))
	if err != nil {
		return plaintext
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, []byte(iv)).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out)
}

// Decrypt decrypts base64 ciphertext for the given channel.  Missing
// base64 padding is tolerated as the dispatcher is known to trim it.
func Decrypt(ciphertext, channel, accessKey string) string {
	block, err := aes.NewCipher([]byte(selectKey(channel, accessKey)))
	if err != nil {
		return ciphertext
	}
	in := ciphertext
	if n := len(in) % 4; n != 0 {
		in += strings.Repeat("=", 4-n)
	}
	raw, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return ciphertext
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return ciphertext
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, []byte(iv)).CryptBlocks(out, raw)
	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return ciphertext
	}
	return string(unpadded)
}

// pkcs7Pad pads data out to a whole number of blocks
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

// pkcs7Unpad validates and strips the padding
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("pkcs7: invalid data length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize {
		return nil, errors.New("pkcs7: invalid padding length")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("pkcs7: invalid padding byte")
		}
	}
	return data[:len(data)-n], nil
}
