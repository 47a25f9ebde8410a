package certgen

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" // nolint:gosec // Legacy PEM decryption for backward compatibility
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	pkcs8 "github.com/youmark/pkcs8"
)

// decryptPEMKey decrypts a password-protected PEM private key. When the
// password is empty the key is assumed to be unencrypted and returned as is.
func decryptPEMKey(keyPEM []byte, password string) ([]byte, error) {
	if password == "" {
		return keyPEM, nil
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	// PKCS#8 encrypted private keys: "BEGIN ENCRYPTED PRIVATE KEY"
	if block.Type == "ENCRYPTED PRIVATE KEY" {
		key, err := pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt PKCS#8 encrypted private key: %w", err)
		}

		// Re-encode as unencrypted PKCS#8 so downstream parsing works
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal decrypted private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
	}

	if !isLegacyEncryptedPEMBlock(block) {
		// Key is not encrypted, return original PEM
		return keyPEM, nil
	}

	decrypted, err := decryptLegacyPEMBlock(block, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt legacy PEM block: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: decrypted}), nil
}

// isLegacyEncryptedPEMBlock checks for RFC 1423 encryption headers.
func isLegacyEncryptedPEMBlock(block *pem.Block) bool {
	_, hasProcType := block.Headers["Proc-Type"]
	_, hasDEKInfo := block.Headers["DEK-Info"]
	return hasProcType && hasDEKInfo
}

// decryptLegacyPEMBlock decrypts an RFC 1423 AES-CBC encrypted PEM block.
// This scheme is insecure and only supported for existing CA keys.
func decryptLegacyPEMBlock(block *pem.Block, password []byte) ([]byte, error) {
	if procType := block.Headers["Proc-Type"]; procType != "4,ENCRYPTED" {
		return nil, errors.New("PEM block does not have encrypted proc type")
	}

	dekInfo := block.Headers["DEK-Info"]
	parts := strings.Split(dekInfo, ",")
	if len(parts) != 2 {
		return nil, errors.New("invalid DEK-Info format")
	}

	var keySize int
	switch parts[0] {
	case "AES-128-CBC":
		keySize = 16
	case "AES-192-CBC":
		keySize = 24
	case "AES-256-CBC":
		keySize = 32
	default:
		return nil, fmt.Errorf("unsupported encryption algorithm: %s", parts[0])
	}

	iv := make([]byte, aes.BlockSize)
	if len(parts[1]) != 2*aes.BlockSize {
		return nil, fmt.Errorf("invalid IV length for %s: expected %d, got %d", parts[0], 2*aes.BlockSize, len(parts[1]))
	}
	for i := 0; i < len(parts[1]); i += 2 {
		var b byte
		if _, err := fmt.Sscanf(parts[1][i:i+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("invalid IV hex: %w", err)
		}
		iv[i/2] = b
	}

	// OpenSSL EVP_BytesToKey derivation with the first 8 IV bytes as salt
	key := make([]byte, keySize)
	d := []byte{}
	for len(d) < keySize {
		h := md5.New() // nolint:gosec // Legacy PEM decryption for backward compatibility
		if len(d) > 0 {
			h.Write(d)
		}
		h.Write(password)
		h.Write(iv[:8])
		d = h.Sum(d)
	}
	copy(key, d[:keySize])

	blockCipher, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	if len(block.Bytes)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}
	decrypted := make([]byte, len(block.Bytes))
	cipher.NewCBCDecrypter(blockCipher, iv).CryptBlocks(decrypted, block.Bytes)

	if len(decrypted) == 0 {
		return nil, errors.New("decryption produced empty plaintext")
	}

	// Remove PKCS#5 padding
	padLen := int(decrypted[len(decrypted)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(decrypted) {
		return nil, errors.New("invalid padding")
	}
	for i := len(decrypted) - padLen; i < len(decrypted); i++ {
		if decrypted[i] != byte(padLen) {
			return nil, errors.New("invalid padding")
		}
	}

	return decrypted[:len(decrypted)-padLen], nil
}
