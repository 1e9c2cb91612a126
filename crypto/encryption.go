package crypto

import (
	"bytes"
	stdcrypto "crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"
)

const (
	// SymmetricKeySize is the AES-128 key length in bytes.
	SymmetricKeySize = 16
	// IVSize is the CBC initialization vector length in bytes.
	IVSize = aes.BlockSize

	minPKCS1Padding = 8
)

var (
	// ErrPadding indicates a PKCS#1 or PKCS#7 padding check failed after decryption.
	ErrPadding = errors.New("crypto: invalid padding")
)

// GenerateSymmetricKey returns a random AES-128 key.
func GenerateSymmetricKey() ([]byte, error) {
	key := make([]byte, SymmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, wrap("generate symmetric key", err)
	}
	return key, nil
}

// GenerateIV returns a random 128-bit initialization vector.
func GenerateIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, wrap("generate IV", err)
	}
	return iv, nil
}

// EncryptWithPrivateKey applies the RSA private-key operation with PKCS#1 v1.5 type 1 padding.
// The result is recovered with DecryptWithPublicKey; it binds data to the key owner and does
// not hide it from holders of the public key.
func EncryptWithPrivateKey(privateKey *rsa.PrivateKey, data []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, wrap("private-key encrypt", errors.New("private key is required"))
	}
	out, err := rsa.SignPKCS1v15(nil, privateKey, stdcrypto.Hash(0), data)
	if err != nil {
		return nil, wrap("private-key encrypt", err)
	}
	return out, nil
}

// DecryptWithPublicKey reverses EncryptWithPrivateKey.
func DecryptWithPublicKey(publicKey *rsa.PublicKey, data []byte) ([]byte, error) {
	if publicKey == nil {
		return nil, wrap("public-key decrypt", errors.New("public key is required"))
	}
	k := publicKey.Size()
	if len(data) != k {
		return nil, wrap("public-key decrypt", fmt.Errorf("invalid block length: got %d want %d", len(data), k))
	}

	c := new(big.Int).SetBytes(data)
	if c.Cmp(publicKey.N) >= 0 {
		return nil, wrap("public-key decrypt", errors.New("block out of range for modulus"))
	}
	m := new(big.Int).Exp(c, big.NewInt(int64(publicKey.E)), publicKey.N)
	em := m.FillBytes(make([]byte, k))

	if em[0] != 0x00 || em[1] != 0x01 {
		return nil, wrap("public-key decrypt", ErrPadding)
	}
	i := 2
	for i < k && em[i] == 0xff {
		i++
	}
	if i == k || em[i] != 0x00 || i-2 < minPKCS1Padding {
		return nil, wrap("public-key decrypt", ErrPadding)
	}
	return em[i+1:], nil
}

// EncryptCBC encrypts plaintext with AES in CBC mode and PKCS#7 padding.
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrap("create AES cipher", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, wrap("AES-CBC encrypt", fmt.Errorf("invalid IV length: got %d want %d", len(iv), block.BlockSize()))
	}

	padLen := block.BlockSize() - len(plaintext)%block.BlockSize()
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)
	copy(padded[len(plaintext):], bytes.Repeat([]byte{byte(padLen)}, padLen))

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptCBC decrypts AES-CBC ciphertext and strips PKCS#7 padding.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrap("create AES cipher", err)
	}
	size := block.BlockSize()
	if len(iv) != size {
		return nil, wrap("AES-CBC decrypt", fmt.Errorf("invalid IV length: got %d want %d", len(iv), size))
	}
	if len(ciphertext) == 0 || len(ciphertext)%size != 0 {
		return nil, wrap("AES-CBC decrypt", fmt.Errorf("ciphertext length %d is not a positive multiple of %d", len(ciphertext), size))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	padLen := int(out[len(out)-1])
	if padLen == 0 || padLen > size {
		return nil, wrap("AES-CBC decrypt", ErrPadding)
	}
	for _, b := range out[len(out)-padLen:] {
		if int(b) != padLen {
			return nil, wrap("AES-CBC decrypt", ErrPadding)
		}
	}
	return out[:len(out)-padLen], nil
}

// EncryptHybrid returns, concatenated: the symmetric key encrypted with ownerPrivateKey,
// the raw IV, and plaintext encrypted under AES-CBC with that key and IV.
func EncryptHybrid(plaintext, symmetricKey []byte, ownerPrivateKey *rsa.PrivateKey, iv []byte) ([]byte, error) {
	wrappedKey, err := EncryptWithPrivateKey(ownerPrivateKey, symmetricKey)
	if err != nil {
		return nil, err
	}
	body, err := EncryptCBC(symmetricKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(wrappedKey)+len(iv)+len(body))
	out = append(out, wrappedKey...)
	out = append(out, iv...)
	out = append(out, body...)
	return out, nil
}

// DecryptHybrid reverses EncryptHybrid using the owner's public key.
func DecryptHybrid(data []byte, ownerPublicKey *rsa.PublicKey) ([]byte, error) {
	if ownerPublicKey == nil {
		return nil, wrap("hybrid decrypt", errors.New("public key is required"))
	}
	keyLen := ownerPublicKey.Size()
	if len(data) < keyLen+IVSize {
		return nil, wrap("hybrid decrypt", fmt.Errorf("input too short: %d bytes", len(data)))
	}

	symmetricKey, err := DecryptWithPublicKey(ownerPublicKey, data[:keyLen])
	if err != nil {
		return nil, err
	}
	iv := data[keyLen : keyLen+IVSize]
	return DecryptCBC(symmetricKey, iv, data[keyLen+IVSize:])
}
