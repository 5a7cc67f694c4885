package cliutil

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/synapsis-social/synapsis/synapsis/crypto"
)

// Default location of the node signing key, under the XDG data directory.
func DefaultKeyPath() (string, error) {
	return xdg.DataFile(filepath.Join("synapsis", "node.key"))
}

// Loads a secret key from JWK JSON on disk. Only supports P-256 format.
func LoadKeyFromFile(fpath string) (*crypto.PrivateKeyP256, error) {
	kb, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}

	sk, err := jwk.ParseKey(kb)
	if err != nil {
		return nil, err
	}

	curve, ok := sk.Get("crv")
	if !ok {
		return nil, fmt.Errorf("need a curve set")
	}
	if crv, _ := curve.(jwa.EllipticCurveAlgorithm); crv != jwa.P256 {
		return nil, fmt.Errorf("unrecognized key type: %v", curve)
	}

	var spk ecdsa.PrivateKey
	if err := sk.Raw(&spk); err != nil {
		return nil, err
	}
	return crypto.PrivateKeyFromECDSA(&spk)
}

// Writes a P-256 secret key to disk as JWK, with the given key ID.
func SaveKeyToFile(fname string, priv *crypto.PrivateKeyP256, kid string) error {
	key, err := jwk.FromRaw(priv.ECDSA())
	if err != nil {
		return fmt.Errorf("failed to create JWK from key: %w", err)
	}
	if _, ok := key.(jwk.ECDSAPrivateKey); !ok {
		return fmt.Errorf("expected jwk.ECDSAPrivateKey, got %T", key)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return err
	}

	buf, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key into JSON: %w", err)
	}

	// ensure data directory exists; won't error if it does
	if err := os.MkdirAll(filepath.Dir(fname), 0o700); err != nil {
		return err
	}
	return os.WriteFile(fname, buf, 0o600)
}

// Generates a P-256 secret key and saves it to disk as JWK.
func GenerateKeyToFile(fname, kid string) (*crypto.PrivateKeyP256, error) {
	priv, err := crypto.GeneratePrivateKeyP256()
	if err != nil {
		return nil, err
	}
	if err := SaveKeyToFile(fname, priv, kid); err != nil {
		return nil, err
	}
	return priv, nil
}

// Loads the key at fpath, generating and saving a new one if the file does not exist yet.
func LoadOrGenerateKey(fpath, kid string) (priv *crypto.PrivateKeyP256, created bool, err error) {
	priv, err = LoadKeyFromFile(fpath)
	if err == nil {
		return priv, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	priv, err = GenerateKeyToFile(fpath, kid)
	if err != nil {
		return nil, false, err
	}
	return priv, true, nil
}
