// Package wechat implements the WeChat official-account wire protocol: the
// AES message envelope, XML message parsing and reply formatting, the URL
// verification handshake, and the custom-message push API client.
package wechat

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// blockSize is the PKCS7 block size used by the official-account envelope (32).
const blockSize = 32

var (
	// ErrInvalidAESKey means EncodingAESKey did not decode to 32 bytes.
	ErrInvalidAESKey = errors.New("wechat: invalid EncodingAESKey")
	// ErrSignatureMismatch means the envelope signature did not verify.
	ErrSignatureMismatch = errors.New("wechat: signature mismatch")
	// ErrIdentityMismatch means the decrypted frame carries a foreign AppID.
	ErrIdentityMismatch = errors.New("wechat: appid mismatch")
	// ErrMalformedEnvelope means the ciphertext or frame layout is invalid.
	ErrMalformedEnvelope = errors.New("wechat: malformed envelope")
)

// Crypto encrypts, decrypts and signs official-account message envelopes.
type Crypto struct {
	token  string
	appID  string
	aesKey []byte
}

// NewCrypto builds a Crypto from the account credentials. The EncodingAESKey
// is base64-decoded with a trailing "=" appended and must yield 32 bytes.
func NewCrypto(token, encodingAESKey, appID string) (*Crypto, error) {
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAESKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: decoded length %d", ErrInvalidAESKey, len(key))
	}
	return &Crypto{token: token, appID: appID, aesKey: key}, nil
}

// Signature computes the envelope signature: the SHA1 hex digest of the
// lexicographically sorted concatenation of token, timestamp, nonce and the
// base64 ciphertext.
func (c *Crypto) Signature(timestamp, nonce, encrypt string) string {
	return SortedSHA1(c.token, timestamp, nonce, encrypt)
}

// VerifySignature checks an envelope signature against the request parameters.
func (c *Crypto) VerifySignature(msgSignature, timestamp, nonce, encrypt string) error {
	if c.Signature(timestamp, nonce, encrypt) != msgSignature {
		return ErrSignatureMismatch
	}
	return nil
}

// Encrypt seals plaintext into a base64 ciphertext. The clear frame is
// random(16 alnum) + len(4, big-endian) + plaintext + appID, PKCS7-padded to
// the 32-byte block size and encrypted with AES-256-CBC, IV = key[:16].
func (c *Crypto) Encrypt(plaintext []byte) (string, error) {
	prefix, err := randomPrefix(16)
	if err != nil {
		return "", err
	}

	var frame bytes.Buffer
	frame.Write(prefix)
	lenBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBytes, uint32(len(plaintext)))
	frame.Write(lenBytes)
	frame.Write(plaintext)
	frame.WriteString(c.appID)

	padded := pkcs7Pad(frame.Bytes(), blockSize)

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a base64 ciphertext and returns the embedded plaintext.
// The trailing AppID of the frame must match the configured one.
func (c *Crypto) Decrypt(encrypt string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encrypt)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformedEnvelope, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrMalformedEnvelope, len(data))
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(plain, data)
	plain = pkcs7Unpad(plain)

	if len(plain) < 20 {
		return nil, fmt.Errorf("%w: frame too short: %d bytes", ErrMalformedEnvelope, len(plain))
	}
	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, fmt.Errorf("%w: message length %d", ErrMalformedEnvelope, msgLen)
	}
	msg := plain[20 : 20+msgLen]
	fromAppID := string(plain[20+msgLen:])
	if fromAppID != c.appID {
		return nil, fmt.Errorf("%w: got %q", ErrIdentityMismatch, fromAppID)
	}
	return msg, nil
}

// SortedSHA1 returns the SHA1 hex digest of the lexicographically sorted
// concatenation of the given parameters. It is the signature primitive shared
// by the URL handshake (3 params) and the envelope (4 params).
func SortedSHA1(params ...string) string {
	sort.Strings(params)
	sum := sha1.Sum([]byte(strings.Join(params, "")))
	return fmt.Sprintf("%x", sum)
}

// VerifyURLSignature checks the GET handshake signature computed over
// token, timestamp and nonce only.
func VerifyURLSignature(token, signature, timestamp, nonce string) bool {
	return SortedSHA1(token, timestamp, nonce) == signature
}

const prefixAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomPrefix(n int) ([]byte, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(prefixAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return nil, fmt.Errorf("random prefix: %w", err)
		}
		out[i] = prefixAlphabet[idx.Int64()]
	}
	return out, nil
}

// pkcs7Pad pads data to a multiple of size; an already aligned input gains a
// full padding block.
func pkcs7Pad(data []byte, size int) []byte {
	padding := size - (len(data) % size)
	if padding == 0 {
		padding = size
	}
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

// pkcs7Unpad strips the padding indicated by the final byte. A pad value
// outside [1, 32] is treated as zero so a garbled frame surfaces as a frame
// error rather than a slice panic.
func pkcs7Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	pad := int(data[len(data)-1])
	if pad < 1 || pad > blockSize {
		pad = 0
	}
	return data[:len(data)-pad]
}
