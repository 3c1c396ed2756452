// Package keys owns the SSH keypair lifecycle for managed containers: one
// on-disk private key per container name, with the matching public key
// handed to the recipe synthesizer.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/cochaviz/berth/internal/models"
)

// ErrKeyNotFound indicates there is no private key on disk for the
// requested container name.
var ErrKeyNotFound = errors.New("private key not found")

// GenerationError wraps an underlying key-generation failure. It aborts a
// provisioning attempt before any engine call is made.
type GenerationError struct {
	Name string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate keypair for %q: %v", e.Name, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

const defaultBits = 4096

// Manager generates, reads and deletes one RSA keypair per container name
// under BaseDir. The directory is created on first use.
type Manager struct {
	BaseDir string
	Logger  *slog.Logger

	// Bits overrides the RSA modulus size. Zero means 4096. Smaller values
	// are only meant for tests, where full-strength generation is too slow.
	Bits int
}

func (m *Manager) logger() *slog.Logger {
	if m != nil && m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// PrivateKeyPath computes the on-disk location for a name's private key.
// Pure path computation; the file may not exist.
func (m *Manager) PrivateKeyPath(name string) string {
	return filepath.Join(m.BaseDir, name+"_id_rsa")
}

// Generate creates a fresh keypair for name, replacing any previous key
// file. The old key is irrecoverable afterwards, which is acceptable since
// the container that trusted it is being replaced too.
func (m *Manager) Generate(name string) (models.SSHKeyPair, error) {
	if m.BaseDir == "" {
		return models.SSHKeyPair{}, errors.New("key store directory is not configured")
	}
	if strings.TrimSpace(name) == "" {
		return models.SSHKeyPair{}, errors.New("container name is required")
	}

	if err := os.MkdirAll(m.BaseDir, 0o700); err != nil {
		return models.SSHKeyPair{}, fmt.Errorf("create key store: %w", err)
	}

	keyPath := m.PrivateKeyPath(name)
	if err := os.Remove(keyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return models.SSHKeyPair{}, fmt.Errorf("remove stale key %s: %w", keyPath, err)
	}

	bits := m.Bits
	if bits == 0 {
		bits = defaultBits
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return models.SSHKeyPair{}, &GenerationError{Name: name, Err: err}
	}

	publicKey, err := ssh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return models.SSHKeyPair{}, &GenerationError{Name: name, Err: err}
	}

	pemBlock := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return models.SSHKeyPair{}, fmt.Errorf("write private key %s: %w", keyPath, err)
	}

	m.logger().Debug("generated keypair", "name", name, "path", keyPath, "bits", bits)

	return models.SSHKeyPair{
		Name:           name,
		PublicKey:      strings.TrimSpace(string(ssh.MarshalAuthorizedKey(publicKey))),
		PrivateKeyPath: keyPath,
	}, nil
}

// Read returns the private key material for name.
func (m *Manager) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(m.PrivateKeyPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		return nil, fmt.Errorf("read private key for %q: %w", name, err)
	}
	return data, nil
}

// Cleanup deletes the private key file for name. Deleting an absent key is
// a no-op.
func (m *Manager) Cleanup(name string) error {
	keyPath := m.PrivateKeyPath(name)
	if err := os.Remove(keyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove private key %s: %w", keyPath, err)
	}
	m.logger().Debug("removed keypair", "name", name, "path", keyPath)
	return nil
}
