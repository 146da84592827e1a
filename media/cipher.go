package media

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/matrix-org/matrix-recorder/internal"
)

// JSONWebKey is the `key` of an encrypted file. Only K is used for decryption.
type JSONWebKey struct {
	Kty    string   `json:"kty"`
	KeyOps []string `json:"key_ops"`
	Alg    string   `json:"alg"`
	K      string   `json:"k"`
	Ext    bool     `json:"ext"`
}

// EncryptedFile is the descriptor which accompanies an encrypted attachment in event
// content, under `file` or `info.thumbnail_file`.
type EncryptedFile struct {
	URL    string     `json:"url"`
	Key    JSONWebKey `json:"key"`
	IV     string     `json:"iv"`
	Hashes struct {
		SHA256 string `json:"sha256"`
	} `json:"hashes"`
	Version  string `json:"v"`
	MimeType string `json:"mimetype,omitempty"`
}

// Decrypt verifies that the SHA-256 of ciphertext matches the descriptor and then decrypts
// it with AES-256-CTR. Nothing is decrypted unless the hash matches.
//
// Only the first len(Hashes.SHA256) characters of the padded base64 digest are compared, as
// clients advertise unpadded base64. An empty expected hash never verifies.
func Decrypt(ciphertext []byte, file *EncryptedFile) ([]byte, error) {
	if file == nil {
		return nil, fmt.Errorf("%w: missing descriptor", internal.ErrIntegrity)
	}
	expected := file.Hashes.SHA256
	digest := sha256.Sum256(ciphertext)
	got := base64.StdEncoding.EncodeToString(digest[:])
	if expected == "" || len(expected) > len(got) || got[:len(expected)] != expected {
		return nil, fmt.Errorf("%w: mismatched SHA-256 digest for %s", internal.ErrIntegrity, file.URL)
	}

	key, err := decodeBase64(file.Key.K)
	if err != nil {
		return nil, fmt.Errorf("%w: key: %s", internal.ErrDecryption, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: key is %d bytes, want 32", internal.ErrDecryption, len(key))
	}
	iv, err := decodeBase64(file.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %s", internal.ErrDecryption, err)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", internal.ErrDecryption, len(iv), aes.BlockSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", internal.ErrDecryption, err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

// Encrypt encrypts plaintext with a fresh key in the same way clients encrypt attachments
// (v2: random 64-bit IV prefix, zero counter) and returns the ciphertext and its descriptor.
func Encrypt(plaintext []byte) ([]byte, *EncryptedFile, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv[:8]); err != nil {
		return nil, nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)
	digest := sha256.Sum256(ciphertext)

	file := &EncryptedFile{
		Key: JSONWebKey{
			Kty:    "oct",
			KeyOps: []string{"encrypt", "decrypt"},
			Alg:    "A256CTR",
			K:      base64.RawURLEncoding.EncodeToString(key),
			Ext:    true,
		},
		IV:      base64.RawStdEncoding.EncodeToString(iv),
		Version: "v2",
	}
	file.Hashes.SHA256 = base64.RawStdEncoding.EncodeToString(digest[:])
	return ciphertext, file, nil
}

// decodeBase64 accepts standard or URL-safe base64, with or without padding. JWK keys are
// unpadded base64url, IVs are usually unpadded standard base64.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	return base64.RawStdEncoding.DecodeString(s)
}
