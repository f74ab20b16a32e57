package sign

import (
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

// cosmosHDPath is m/44'/118'/0'/0/0, the conventional Cosmos SDK account.
var cosmosHDPath = []uint32{
	hdkeychain.HardenedKeyStart + 44,
	hdkeychain.HardenedKeyStart + 118,
	hdkeychain.HardenedKeyStart + 0,
	0,
	0,
}

// CosmosWallet derives a bech32 address from a BIP-39 mnemonic for the
// read-only API path. Transaction signing is delegated: venues on this
// scheme accept pre-signed transactions from an external collaborator.
type CosmosWallet struct {
	address string
}

// NewCosmosWallet validates the mnemonic and derives the account address
// with the given bech32 prefix (e.g. "cosmos", "inj"). The derived private
// key is discarded after address derivation.
func NewCosmosWallet(mnemonic, prefix string) (*CosmosWallet, error) {
	trimmed := strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(trimmed) {
		return nil, sigErr("cosmos: invalid mnemonic", nil)
	}
	seed := bip39.NewSeed(trimmed, "")

	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, sigErr("cosmos: master key derivation failed", err)
	}
	for _, step := range cosmosHDPath {
		key, err = key.Derive(step)
		if err != nil {
			return nil, sigErr("cosmos: hd path derivation failed", err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, sigErr("cosmos: private key extraction failed", err)
	}
	compressed := priv.PubKey().SerializeCompressed()

	words, err := bech32.ConvertBits(btcutil.Hash160(compressed), 8, 5, true)
	if err != nil {
		return nil, sigErr("cosmos: bech32 conversion failed", err)
	}
	address, err := bech32.Encode(prefix, words)
	if err != nil {
		return nil, sigErr("cosmos: bech32 encoding failed", err)
	}
	return &CosmosWallet{address: address}, nil
}

// Address returns the derived bech32 account address.
func (w *CosmosWallet) Address() string { return w.address }

// HasCredentials reports whether an address was derived.
func (w *CosmosWallet) HasCredentials() bool { return w.address != "" }
