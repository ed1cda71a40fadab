// Package pemfile generates and loads the console's SSH host key.
package pemfile

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	gossh "golang.org/x/crypto/ssh"
)

type KeyParams struct {
	KeyPath       string
	SSHPubKeyPath string
}

// Generate writes a fresh RSA host key pair to the configured paths.
func (k KeyParams) Generate() error {
	privateKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return err
	}
	keyBytes := x509.MarshalPKCS1PrivateKey(privateKey)

	if err := os.WriteFile(k.KeyPath, pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: keyBytes,
		}),
		0600,
	); err != nil {
		return err
	}

	pub, err := gossh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return err
	}
	return os.WriteFile(k.SSHPubKeyPath, gossh.MarshalAuthorizedKey(pub), 0600)
}

// Ensure generates the key pair unless it already exists, and returns the
// private key PEM bytes.
func (k KeyParams) Ensure() ([]byte, error) {
	if _, err := os.Stat(k.KeyPath); os.IsNotExist(err) {
		if err := k.Generate(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return os.ReadFile(k.KeyPath)
}
