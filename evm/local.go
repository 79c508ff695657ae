package evm

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/becomeliminal/x402-tool-gateway"
)

// ReasonVerifiedLocally marks a result produced by signature recovery.
const ReasonVerifiedLocally = "verified locally"

var knownChainIDs = map[string]int64{
	"ethereum":         1,
	"ethereum-mainnet": 1,
	"mainnet":          1,
	"sepolia":          11155111,
	"base":             8453,
	"base-mainnet":     8453,
	"base-sepolia":     84532,
	"polygon":          137,
	"polygon-amoy":     80002,
	"avalanche":        43114,
	"avalanche-fuji":   43113,
	"arbitrum":         42161,
	"optimism":         10,
}

// ChainID resolves a network name, or a CAIP-2 "eip155:<id>" identifier,
// to its chain id.
func ChainID(network string) (*big.Int, error) {
	if id, ok := knownChainIDs[strings.ToLower(network)]; ok {
		return big.NewInt(id), nil
	}
	if rest, ok := strings.CutPrefix(network, "eip155:"); ok {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err == nil && id > 0 {
			return big.NewInt(id), nil
		}
	}
	return nil, fmt.Errorf("unknown network %q", network)
}

// Domain is the EIP-712 domain of the token contract.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract string
}

var transferWithAuthorizationType = []apitypes.Type{
	{Name: "from", Type: "address"},
	{Name: "to", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "validAfter", Type: "uint256"},
	{Name: "validBefore", Type: "uint256"},
	{Name: "nonce", Type: "bytes32"},
}

// AuthorizationHash returns the EIP-712 digest a wallet signs for an
// EIP-3009 TransferWithAuthorization. validAfter is always zero.
func AuthorizationHash(auth x402.Authorization, domain Domain) ([]byte, error) {
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("invalid authorization address")
	}
	if !common.IsHexAddress(domain.VerifyingContract) {
		return nil, fmt.Errorf("invalid token address %q", domain.VerifyingContract)
	}
	if domain.ChainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}

	value, ok := new(big.Int).SetString(auth.Amount, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", auth.Amount)
	}
	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("nonce must be 32 bytes of hex")
	}

	var domainType []apitypes.Type
	if domain.Name != "" {
		domainType = append(domainType, apitypes.Type{Name: "name", Type: "string"})
	}
	if domain.Version != "" {
		domainType = append(domainType, apitypes.Type{Name: "version", Type: "string"})
	}
	domainType = append(domainType,
		apitypes.Type{Name: "chainId", Type: "uint256"},
		apitypes.Type{Name: "verifyingContract", Type: "address"},
	)

	typed := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":              domainType,
			"TransferWithAuthorization": transferWithAuthorizationType,
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: common.HexToAddress(domain.VerifyingContract).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       value.String(),
			"validAfter":  "0",
			"validBefore": strconv.FormatInt(auth.ValidBefore, 10),
			"nonce":       hexutil.Encode(nonce),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return hash, nil
}

// RecoverSigner returns the address that produced signature over hash.
// Both 0/1 and 27/28 recovery ids are accepted.
func RecoverSigner(hash []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// LocalVerifier checks EIP-3009 signatures without any network access.
type LocalVerifier struct {
	chainIDs map[string]*big.Int
}

// NewLocalVerifier creates a local verifier. overrides maps network names
// to chain ids and takes precedence over the built-in table.
func NewLocalVerifier(overrides map[string]*big.Int) *LocalVerifier {
	ids := make(map[string]*big.Int, len(overrides))
	for network, id := range overrides {
		ids[network] = id
	}
	return &LocalVerifier{chainIDs: ids}
}

// Name implements Backend.
func (l *LocalVerifier) Name() string { return "local" }

// Verify implements Backend. A signature from anyone other than the payer is
// an invalid result, not an error.
func (l *LocalVerifier) Verify(_ context.Context, payment *x402.PaymentPayload, requirements *x402.VerificationRequirements) (*x402.VerificationResult, error) {
	chainID, ok := l.chainIDs[payment.Network]
	if !ok {
		var err error
		if chainID, err = ChainID(payment.Network); err != nil {
			return nil, err
		}
	}

	// The domain is always the required asset: a signature for any other
	// contract authorizes a transfer of some other token.
	if requirements.Asset == "" {
		return nil, fmt.Errorf("requirements have no asset")
	}

	hash, err := AuthorizationHash(payment.Payload, Domain{
		Name:              requirements.TokenName,
		Version:           requirements.TokenVersion,
		ChainID:           chainID,
		VerifyingContract: requirements.Asset,
	})
	if err != nil {
		return nil, err
	}

	signer, err := RecoverSigner(hash, payment.Signature)
	if err != nil {
		return nil, err
	}

	if signer != common.HexToAddress(payment.Payload.From) {
		return &x402.VerificationResult{
			Valid:  false,
			Reason: "signature does not match payer",
		}, nil
	}

	return &x402.VerificationResult{
		Valid:  true,
		Reason: ReasonVerifiedLocally,
		Payer:  signer.Hex(),
	}, nil
}
