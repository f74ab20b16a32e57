package sign

import (
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Signer signs typed-data actions (orders, cancels, stream auth,
// agent approval) with a secp256k1 wallet key. Signatures are 65 bytes
// with the Ethereum v offset applied.
type EIP712Signer struct {
	key     *ecdsa.PrivateKey
	chainID int64
}

// NewEIP712 parses a hex wallet key (0x prefix optional).
func NewEIP712(privateKeyHex string, chainID int64) (*EIP712Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, sigErr("eip712: empty key material", nil)
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, sigErr("eip712: invalid private key", err)
	}
	return &EIP712Signer{key: key, chainID: chainID}, nil
}

// Address returns the wallet address the venue attributes signatures to.
func (s *EIP712Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// HasCredentials reports whether a wallet key is loaded.
func (s *EIP712Signer) HasCredentials() bool { return s.key != nil }

// SignTypedData hashes the typed data per EIP-712 and signs the digest.
// The returned signature is r || s || v with v in {27, 28}.
func (s *EIP712Signer) SignTypedData(td apitypes.TypedData) ([]byte, error) {
	if s.key == nil {
		return nil, sigErr("eip712: missing credentials", nil)
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, sigErr("eip712: hashing typed data failed", err)
	}
	signature, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, sigErr("eip712: signing failed", err)
	}
	signature[64] += 27
	return signature, nil
}

// SignTypedDataHex is SignTypedData with 0x-hex encoding.
func (s *EIP712Signer) SignTypedDataHex(td apitypes.TypedData) (string, error) {
	signature, err := s.SignTypedData(td)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(signature), nil
}

func (s *EIP712Signer) domain(name, version string, contract common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainId:           math.NewHexOrDecimal256(s.chainID),
		VerifyingContract: contract.Hex(),
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// VerifyingContractForProduct derives the per-product verifying contract
// deterministically from the product identifier.
func VerifyingContractForProduct(productID string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(productID))[12:])
}

// AgentTypedData builds the wallet-approval action binding connectionID
// (the hash of the action payload) to the given source tag.
func (s *EIP712Signer) AgentTypedData(domainName, source string, connectionID [32]byte) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain:      s.domain(domainName, "1", common.Address{}),
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID[:],
		},
	}
}

// OrderTypedData builds the order-placement action for a product.
func (s *EIP712Signer) OrderTypedData(domainName, productID, symbol, side, amount, price string, nonce int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Order": {
				{Name: "symbol", Type: "string"},
				{Name: "side", Type: "string"},
				{Name: "amount", Type: "string"},
				{Name: "price", Type: "string"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: "Order",
		Domain:      s.domain(domainName, "1", VerifyingContractForProduct(productID)),
		Message: apitypes.TypedDataMessage{
			"symbol": symbol,
			"side":   side,
			"amount": amount,
			"price":  price,
			"nonce":  new(big.Int).SetInt64(nonce),
		},
	}
}

// CancelTypedData builds the cancellation action for an order id.
func (s *EIP712Signer) CancelTypedData(domainName, productID, orderID string, nonce int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Cancel": {
				{Name: "orderId", Type: "string"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: "Cancel",
		Domain:      s.domain(domainName, "1", VerifyingContractForProduct(productID)),
		Message: apitypes.TypedDataMessage{
			"orderId": orderID,
			"nonce":   new(big.Int).SetInt64(nonce),
		},
	}
}

// LeverageTypedData builds the leverage-update action for a product.
func (s *EIP712Signer) LeverageTypedData(domainName, productID string, leverage int, nonce int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"UpdateLeverage": {
				{Name: "leverage", Type: "uint64"},
				{Name: "nonce", Type: "uint64"},
			},
		},
		PrimaryType: "UpdateLeverage",
		Domain:      s.domain(domainName, "1", VerifyingContractForProduct(productID)),
		Message: apitypes.TypedDataMessage{
			"leverage": new(big.Int).SetInt64(int64(leverage)),
			"nonce":    new(big.Int).SetInt64(nonce),
		},
	}
}

// StreamAuthTypedData builds the WebSocket authentication action.
func (s *EIP712Signer) StreamAuthTypedData(domainName string, timestamp int64) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"StreamAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "uint64"},
			},
		},
		PrimaryType: "StreamAuth",
		Domain:      s.domain(domainName, "1", common.Address{}),
		Message: apitypes.TypedDataMessage{
			"address":   s.Address().Hex(),
			"timestamp": new(big.Int).SetInt64(timestamp),
		},
	}
}
