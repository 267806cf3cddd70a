// Package signer holds the keeper identity and enforces single-flight
// broadcasting of signed bundles.
package signer

import (
	"crypto/ecdsa"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"dn-keeper-bot/internal/bundle"
)

// Keeper wraps the delegated signing key. It signs canonical bundle payloads;
// it never decides what to sign.
type Keeper struct {
	privKey *ecdsa.PrivateKey
	address common.Address
}

func NewKeeper(hexKey string) (*Keeper, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("keeper private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	return &Keeper{privKey: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (k *Keeper) Address() common.Address {
	return k.address
}

func (k *Keeper) Sign(b bundle.Bundle) (bundle.Signed, error) {
	payload, err := bundle.Encode(b)
	if err != nil {
		return bundle.Signed{}, err
	}
	hash := crypto.Keccak256(payload)
	sig, err := crypto.Sign(hash, k.privKey)
	if err != nil {
		return bundle.Signed{}, err
	}
	return bundle.Signed{Payload: payload, Signature: sig, Hash: hash}, nil
}

// SameAccount compares two account strings by identity rather than by raw
// string equality, so checksummed, lowercase, and 0x-less renderings of the
// same account all match.
func SameAccount(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}
