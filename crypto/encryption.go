package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const aes128KeySize = 16

// AES128ECBEncrypt encrypts plaintext with AES-128 in ECB mode, no padding.
// The pairing handshake always hands this function block-aligned (16-byte
// multiple) buffers; this is protocol-mandated and not negotiable by the
// client.
func AES128ECBEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := newAES128Block(key)
	if err != nil {
		return nil, err
	}
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("aes128 ecb encrypt: plaintext length %d is not block-aligned", len(plaintext))
	}

	ciphertext := make([]byte, len(plaintext))
	for offset := 0; offset < len(plaintext); offset += aes.BlockSize {
		block.Encrypt(ciphertext[offset:offset+aes.BlockSize], plaintext[offset:offset+aes.BlockSize])
	}
	return ciphertext, nil
}

// AES128ECBDecrypt decrypts ciphertext with AES-128 in ECB mode, no padding.
func AES128ECBDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := newAES128Block(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("aes128 ecb decrypt: ciphertext length %d is not block-aligned", len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	for offset := 0; offset < len(ciphertext); offset += aes.BlockSize {
		block.Decrypt(plaintext[offset:offset+aes.BlockSize], ciphertext[offset:offset+aes.BlockSize])
	}
	return plaintext, nil
}

func newAES128Block(key []byte) (cipher.Block, error) {
	if len(key) != aes128KeySize {
		return nil, fmt.Errorf("invalid AES-128 key length: got %d want %d", len(key), aes128KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return block, nil
}
