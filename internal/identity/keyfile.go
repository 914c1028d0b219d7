package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
)

// Encrypted key file format:
// [4 bytes magic] [16 bytes salt] [12 bytes nonce] [ciphertext]
//
// Salt feeds argon2id key derivation; the nonce is for AES-256-GCM.
// The ciphertext is the Ed25519 private key plus the GCM tag.

var (
	// encryptedKeyMagic identifies an encrypted Karst key file ("KSEK").
	encryptedKeyMagic = []byte{0x4B, 0x53, 0x45, 0x4B}

	// argon2id parameters
	argon2Time    uint32 = 1
	argon2Memory  uint32 = 64 * 1024 // 64 MB
	argon2Threads uint8  = 4
	argon2KeyLen  uint32 = 32 // AES-256

	// ErrWrongPassphrase is returned when decryption fails due to a wrong
	// passphrase or a corrupted file.
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted key file")

	// ErrInvalidKeyFile is returned when the file format is not recognised.
	ErrInvalidKeyFile = errors.New("invalid encrypted key file")
)

// SaveEncrypted encrypts the identity's private key with a passphrase and
// writes it to path.
func (n *NodeIdentity) SaveEncrypted(path string, passphrase []byte) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	aead, err := keyfileAEAD(passphrase, salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, n.privateKey, nil)

	fileData := make([]byte, 0, len(encryptedKeyMagic)+len(salt)+len(nonce)+len(ciphertext))
	fileData = append(fileData, encryptedKeyMagic...)
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, fileData, 0600); err != nil {
		return fmt.Errorf("write encrypted key: %w", err)
	}
	return nil
}

// LoadEncrypted reads an encrypted key file and reconstructs the identity.
func LoadEncrypted(path string, passphrase []byte) (*NodeIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read encrypted key: %w", err)
	}

	minLen := len(encryptedKeyMagic) + 16 + 12
	if len(data) < minLen {
		return nil, ErrInvalidKeyFile
	}

	magic := data[:len(encryptedKeyMagic)]
	for i := range encryptedKeyMagic {
		if magic[i] != encryptedKeyMagic[i] {
			return nil, ErrInvalidKeyFile
		}
	}

	salt := data[4:20]
	nonce := data[20:32]
	ciphertext := data[32:]

	aead, err := keyfileAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	if len(plaintext) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeyFile
	}

	return fromPrivateKey(ed25519.PrivateKey(plaintext))
}

func keyfileAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	derived := argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// GenerateEphemeralKeypair returns a fresh X25519 keypair for a single
// confidential envelope.
func GenerateEphemeralKeypair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("generate ephemeral key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pubBytes, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("derive ephemeral public key: %w", err)
	}
	copy(pub[:], pubBytes)
	return priv, pub, nil
}

// EphemeralSharedSecret computes the shared secret from an ephemeral
// private key and a remote static public key (the sender's side of the
// exchange that NodeIdentity.SharedSecret completes).
func EphemeralSharedSecret(ephemeralPriv [32]byte, remotePublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(ephemeralPriv[:], remotePublic[:])
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}
	return secret, nil
}
