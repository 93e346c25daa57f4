package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/xornet-io/xornet/internal/routing"
)

// Identity is a node's keypair and the id derived from it. The node id
// is the BLAKE2b-512 digest of the public key, so ids are uniformly
// spread over the address space and bound to the key.
type Identity struct {
	NodeID     routing.NodeID
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{
		NodeID:     DeriveNodeID(pub),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// DeriveNodeID maps a public key to its node id.
func DeriveNodeID(pub ed25519.PublicKey) routing.NodeID {
	return routing.NodeID(blake2b.Sum512(pub))
}

// Sign signs a payload with the node's private key.
func (i *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(i.PrivateKey, payload)
}

// Verify checks a signature made by the holder of pub.
func Verify(pub ed25519.PublicKey, payload, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, payload, sig)
}

type identityFile struct {
	PrivateKey string `yaml:"private_key"`
}

// Save persists the identity to path with owner-only permissions.
func (i *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}
	raw, err := yaml.Marshal(identityFile{
		PrivateKey: hex.EncodeToString(i.PrivateKey),
	})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

// Load reads an identity from path.
func Load(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	var f identityFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode identity: %w", err)
	}
	priv, err := hex.DecodeString(f.PrivateKey)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file %s: invalid private key", path)
	}
	key := ed25519.PrivateKey(priv)
	pub := key.Public().(ed25519.PublicKey)
	return &Identity{
		NodeID:     DeriveNodeID(pub),
		PublicKey:  pub,
		PrivateKey: key,
	}, nil
}

// LoadOrGenerate loads the identity at path, creating and saving a new
// one when the file does not exist.
func LoadOrGenerate(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}
