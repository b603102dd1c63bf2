// Package signer provides event signing for the relay pool.
package signer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-pool/internal/nips"
	"nostr-pool/internal/nostr"
	"nostr-pool/internal/types"
)

// ErrNoSecretKey is returned when a signature is requested from keys without secret material.
var ErrNoSecretKey = errors.New("signer: no secret key available")

// Signer signs outgoing events. Implementations may be remote (NIP-46) or local.
type Signer interface {
	PublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt types.Event) (types.Event, error)
}

// Keys is a local secp256k1 key pair. A Keys built from a public key alone can
// report its identity but fails to sign with ErrNoSecretKey.
type Keys struct {
	secret *btcec.PrivateKey
	public string
}

// NewKeys parses a hex or nsec1 secret key.
func NewKeys(secret string) (*Keys, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, "nsec1") {
		decoded, err := nips.DecodeNsec(secret)
		if err != nil {
			return nil, fmt.Errorf("invalid nsec: %w", err)
		}
		secret = decoded
	}
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, errors.New("invalid private key length")
	}
	priv, pub := btcec.PrivKeyFromBytes(raw)
	return &Keys{
		secret: priv,
		public: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}, nil
}

// GenerateKeys creates a fresh random key pair.
func GenerateKeys() (*Keys, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Keys{
		secret: priv,
		public: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}, nil
}

// PublicOnly returns Keys that know their public key but cannot sign.
func PublicOnly(pubkey string) (*Keys, error) {
	if strings.HasPrefix(pubkey, "npub1") {
		decoded, err := nips.DecodeNpub(pubkey)
		if err != nil {
			return nil, err
		}
		pubkey = decoded
	}
	if _, err := hex.DecodeString(pubkey); err != nil || len(pubkey) != 64 {
		return nil, errors.New("invalid public key")
	}
	return &Keys{public: pubkey}, nil
}

// PublicKey returns the x-only public key as hex.
func (k *Keys) PublicKey(context.Context) (string, error) {
	return k.public, nil
}

// SignEvent sets PubKey, recomputes ID and signs. The input is not modified.
func (k *Keys) SignEvent(_ context.Context, evt types.Event) (types.Event, error) {
	if k.secret == nil {
		return types.Event{}, ErrNoSecretKey
	}
	if evt.Tags == nil {
		evt.Tags = [][]string{}
	}
	evt.PubKey = k.public
	evt.ID = nostr.ComputeEventID(&evt)

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return types.Event{}, err
	}
	sig, err := schnorr.Sign(k.secret, idBytes)
	if err != nil {
		return types.Event{}, fmt.Errorf("schnorr sign: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return evt, nil
}
