package chain

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"orion-broker/internal/model"
	"orion-broker/internal/tokenregistry"
)

// DefaultExpiration is how long a signed order stays settleable.
const DefaultExpiration = 29 * 24 * 60 * 60 * 1000 // ms

// FeeAssetSymbol is the fixed matcher-fee asset of the protocol. The fee
// itself is zero, but the field still occupies its slot in the signed order.
const FeeAssetSymbol = "ORN"

const baseUnitShift = 8 // on-chain order fields carry 1e8-scaled integers

const orderDomainTag = 0x03

var domainSalt = common.HexToHash("0xf2d857f4a3edcb9b78b4d503bfe733db1e3f6cdc2b7971ee739626c97e86a557")

var (
	eip712DomainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,bytes32 salt)"))
	domainNameHash       = crypto.Keccak256Hash([]byte("Orion Exchange"))
	domainVersionHash    = crypto.Keccak256Hash([]byte("1"))

	orderTypeHash = crypto.Keccak256Hash([]byte("Order(address senderAddress,address matcherAddress,address baseAsset,address quoteAsset,address matcherFeeAsset,uint64 amount,uint64 price,uint64 matcherFee,uint64 nonce,uint64 expiration,uint8 buySide)"))

	bytes32Ty = mustABIType("bytes32")
	addressTy = mustABIType("address")
	uint256Ty = mustABIType("uint256")
	uint64Ty  = mustABIType("uint64")
	uint8Ty   = mustABIType("uint8")
)

func mustABIType(t string) abi.Type {
	ty, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return ty
}

// Signer holds the broker key and produces order hashes, EIP-712 order
// signatures and EIP-191 personal-message signatures. All operations are pure
// functions of their inputs; identical inputs give byte-identical outputs.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	matcher    common.Address
	chainID    int64
	registry   *tokenregistry.Registry
}

func NewSigner(privateKey *ecdsa.PrivateKey, matcher common.Address, chainID int64, registry *tokenregistry.Registry) (*Signer, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("chain: private key required")
	}
	if (matcher == common.Address{}) {
		return nil, fmt.Errorf("chain: matcher address required")
	}
	if registry == nil {
		return nil, fmt.Errorf("chain: token registry required")
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		matcher:    matcher,
		chainID:    chainID,
		registry:   registry,
	}, nil
}

func (s *Signer) Address() common.Address { return s.address }
func (s *Signer) ChainID() int64          { return s.chainID }

// HashOrder computes the canonical order digest: keccak-256 over the domain
// tag byte, the five 20-byte addresses, the five numeric fields as big-endian
// 8-byte unsigned integers, and the side byte.
func HashOrder(o *model.BlockchainOrder) string {
	buf := make([]byte, 0, 1+5*20+5*8+1)
	buf = append(buf, orderDomainTag)
	buf = append(buf, common.HexToAddress(o.Sender).Bytes()...)
	buf = append(buf, common.HexToAddress(o.Matcher).Bytes()...)
	buf = append(buf, common.HexToAddress(o.BaseAsset).Bytes()...)
	buf = append(buf, common.HexToAddress(o.QuoteAsset).Bytes()...)
	buf = append(buf, common.HexToAddress(o.MatcherFeeAsset).Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, o.Amount)
	buf = binary.BigEndian.AppendUint64(buf, o.Price)
	buf = binary.BigEndian.AppendUint64(buf, o.MatcherFee)
	buf = binary.BigEndian.AppendUint64(buf, o.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, o.Expiration)
	if o.BuySide {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return crypto.Keccak256Hash(buf).Hex()
}

// SignTrade builds the settleable order for a terminal trade and signs it.
// Signing is on demand and deterministic, so the order is recomputed from the
// persisted sub-order and trade whenever the hub asks again.
func (s *Signer) SignTrade(o *model.SubOrder, t *model.Trade) (*model.BlockchainOrder, error) {
	base, quote, err := splitSymbol(o.Symbol)
	if err != nil {
		return nil, err
	}
	baseTok, ok := s.registry.Lookup(base)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, base)
	}
	quoteTok, ok := s.registry.Lookup(quote)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, quote)
	}
	feeTok, ok := s.registry.Lookup(FeeAssetSymbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, FeeAssetSymbol)
	}

	order := &model.BlockchainOrder{
		Sender:          s.address.Hex(),
		Matcher:         s.matcher.Hex(),
		BaseAsset:       baseTok.Address.Hex(),
		QuoteAsset:      quoteTok.Address.Hex(),
		MatcherFeeAsset: feeTok.Address.Hex(),
		Amount:          toBaseUnits(t.Amount),
		Price:           toBaseUnits(t.Price),
		MatcherFee:      0,
		Nonce:           uint64(o.Timestamp),
		Expiration:      uint64(o.Timestamp) + DefaultExpiration,
		BuySide:         o.Side == model.SideBuy,
	}
	order.ID = HashOrder(order)

	sig, err := s.signTypedOrder(order)
	if err != nil {
		return nil, err
	}
	order.Signature = sig
	return order, nil
}

func (s *Signer) domainSeparator() (common.Hash, error) {
	encoded, err := abi.Arguments{
		{Type: bytes32Ty},
		{Type: bytes32Ty},
		{Type: bytes32Ty},
		{Type: uint256Ty},
		{Type: bytes32Ty},
	}.Pack(
		eip712DomainTypeHash,
		domainNameHash,
		domainVersionHash,
		big.NewInt(s.chainID),
		domainSalt,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

func (s *Signer) signTypedOrder(o *model.BlockchainOrder) (string, error) {
	domainSeparator, err := s.domainSeparator()
	if err != nil {
		return "", err
	}

	buySide := uint8(0)
	if o.BuySide {
		buySide = 1
	}
	encoded, err := abi.Arguments{
		{Type: bytes32Ty},
		{Type: addressTy},
		{Type: addressTy},
		{Type: addressTy},
		{Type: addressTy},
		{Type: addressTy},
		{Type: uint64Ty},
		{Type: uint64Ty},
		{Type: uint64Ty},
		{Type: uint64Ty},
		{Type: uint64Ty},
		{Type: uint8Ty},
	}.Pack(
		orderTypeHash,
		common.HexToAddress(o.Sender),
		common.HexToAddress(o.Matcher),
		common.HexToAddress(o.BaseAsset),
		common.HexToAddress(o.QuoteAsset),
		common.HexToAddress(o.MatcherFeeAsset),
		o.Amount,
		o.Price,
		o.MatcherFee,
		o.Nonce,
		o.Expiration,
		buySide,
	)
	if err != nil {
		return "", err
	}

	structHash := crypto.Keccak256Hash(encoded)
	raw := make([]byte, 0, 2+32+32)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator.Bytes()...)
	raw = append(raw, structHash.Bytes()...)
	digest := crypto.Keccak256Hash(raw)

	sig, err := crypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + common.Bytes2Hex(sig), nil
}

// Sign produces an EIP-191 personal-message signature over payload. Used to
// authenticate the broker identity to the hub.
func (s *Signer) Sign(payload string) (string, error) {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(payload), payload)
	digest := crypto.Keccak256Hash([]byte(msg))
	sig, err := crypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + common.Bytes2Hex(sig), nil
}

func splitSymbol(symbol string) (string, string, error) {
	parts := strings.SplitN(symbol, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("chain: invalid symbol %q, want BASE-QUOTE", symbol)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

func toBaseUnits(d decimal.Decimal) uint64 {
	return uint64(d.Shift(baseUnitShift).IntPart())
}
