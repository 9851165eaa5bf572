// Package pgp decrypts PGP-armored and binary payer files using the
// ProtonMail OpenPGP implementation.
package pgp

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

// Decryptor holds the private keyring used to decrypt inbound payer files.
type Decryptor struct {
	ring openpgp.EntityList
}

// NewDecryptor reads an armored private key and optional passphrase.
func NewDecryptor(armoredKey []byte, passphrase []byte) (*Decryptor, error) {
	ring, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(armoredKey))
	if err != nil {
		return nil, fmt.Errorf("read private keyring: %w", err)
	}
	if len(passphrase) > 0 {
		for _, entity := range ring {
			if entity.PrivateKey != nil && entity.PrivateKey.Encrypted {
				if err := entity.PrivateKey.Decrypt(passphrase); err != nil {
					return nil, fmt.Errorf("unlock private key: %w", err)
				}
			}
			for _, sub := range entity.Subkeys {
				if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
					if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
						return nil, fmt.Errorf("unlock subkey: %w", err)
					}
				}
			}
		}
	}
	return &Decryptor{ring: ring}, nil
}

// Decrypt returns the plaintext of a PGP message. Both armored and binary
// inputs are accepted; armored input is detected by its BEGIN marker.
func (d *Decryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	var r io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte("-----BEGIN PGP MESSAGE-----")) {
		block, err := armor.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("decode armor: %w", err)
		}
		r = block.Body
	}
	md, err := openpgp.ReadMessage(r, d.ring, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("read pgp message: %w", err)
	}
	plaintext, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, fmt.Errorf("read plaintext: %w", err)
	}
	return plaintext, nil
}
