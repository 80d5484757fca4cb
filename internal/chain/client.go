// Package chain implements the on-chain side of the broker: reads against the
// blockchain gateway, order hashing and typed-data signing, and broadcast of
// prebuilt deposit/withdraw/stake/approve transactions.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"orion-broker/internal/gasfeed"
	"orion-broker/internal/model"
	"orion-broker/internal/tokenregistry"
)

var (
	ErrUnknownAsset     = errors.New("chain: unknown asset")
	ErrNonceUnavailable = errors.New("chain: gateway gave no nonce")
)

// Gas limits per write method.
const (
	gasLimitDepositETH   = 70_000
	gasLimitDepositERC20 = 150_000
	gasLimitWithdraw     = 150_000
	gasLimitApprove      = 70_000
	gasLimitLockStake    = 70_000
	gasLimitRelease      = 100_000
)

const exchangeABIJSON = `[
  {"inputs":[],"name":"deposit","outputs":[],"stateMutability":"payable","type":"function"},
  {"inputs":[
    {"internalType":"address","name":"assetAddress","type":"address"},
    {"internalType":"uint112","name":"amount","type":"uint112"}
  ],"name":"depositAsset","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[
    {"internalType":"address","name":"assetAddress","type":"address"},
    {"internalType":"uint112","name":"amount","type":"uint112"}
  ],"name":"withdraw","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"internalType":"uint64","name":"amount","type":"uint64"}],"name":"lockStake","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[],"name":"requestReleaseStake","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

const erc20ABIJSON = `[
  {"inputs":[
    {"internalType":"address","name":"spender","type":"address"},
    {"internalType":"uint256","name":"amount","type":"uint256"}
  ],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// Client is the single-instance chain client. It is stateless save for
// the parsed contract ABIs; its operations are reentrant.
type Client struct {
	signer   *Signer
	gateway  *Gateway
	gas      *gasfeed.Client
	registry *tokenregistry.Registry

	contract    common.Address
	exchangeABI abi.ABI
	erc20ABI    abi.ABI
}

func NewClient(signer *Signer, gateway *Gateway, gas *gasfeed.Client, registry *tokenregistry.Registry, contract common.Address) (*Client, error) {
	if signer == nil || gateway == nil || gas == nil || registry == nil {
		return nil, fmt.Errorf("chain: signer, gateway, gas feed and registry required")
	}
	if (contract == common.Address{}) {
		return nil, fmt.Errorf("chain: settlement contract address required")
	}
	exchangeABI, err := abi.JSON(strings.NewReader(exchangeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: exchange abi parse: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: erc20 abi parse: %w", err)
	}
	return &Client{
		signer:      signer,
		gateway:     gateway,
		gas:         gas,
		registry:    registry,
		contract:    contract,
		exchangeABI: exchangeABI,
		erc20ABI:    erc20ABI,
	}, nil
}

func (c *Client) Signer() *Signer         { return c.signer }
func (c *Client) Address() common.Address { return c.signer.Address() }

// Reads, delegated to the gateway for the broker's own address.

func (c *Client) GetAllowance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return c.gateway.GetAllowance(ctx, c.signer.Address(), asset)
}

func (c *Client) GetNonce(ctx context.Context) (uint64, error) {
	return c.gateway.GetNonce(ctx, c.signer.Address())
}

func (c *Client) GetStake(ctx context.Context) (decimal.Decimal, error) {
	return c.gateway.GetStake(ctx, c.signer.Address())
}

func (c *Client) GetTransactionStatus(ctx context.Context, hash string) (model.TxStatus, error) {
	return c.gateway.GetTransactionStatus(ctx, hash)
}

func (c *Client) GetLiabilities(ctx context.Context) ([]model.Liability, error) {
	return c.gateway.GetLiabilities(ctx, c.signer.Address())
}

func (c *Client) GetContractBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return c.gateway.GetContractBalance(ctx, c.signer.Address())
}

func (c *Client) GetWalletBalance(ctx context.Context) (map[string]decimal.Decimal, error) {
	return c.gateway.GetWalletBalance(ctx, c.signer.Address())
}

// Writes. Each populates calldata, fills nonce and gas from the gateway and
// the gwei feed, signs, broadcasts, and returns a PENDING Transaction row for
// the store.

func (c *Client) DepositETH(ctx context.Context, amount decimal.Decimal) (*model.Transaction, error) {
	data, err := c.exchangeABI.Pack("deposit")
	if err != nil {
		return nil, err
	}
	value := amount.Shift(18).BigInt()
	return c.broadcast(ctx, "depositETH", "ETH", amount, value, gasLimitDepositETH, data)
}

func (c *Client) DepositERC20(ctx context.Context, amount decimal.Decimal, asset string) (*model.Transaction, error) {
	units, addr, err := c.assetUnits(asset, amount)
	if err != nil {
		return nil, err
	}
	data, err := c.exchangeABI.Pack("depositAsset", addr, units)
	if err != nil {
		return nil, err
	}
	return c.broadcast(ctx, "depositERC20", asset, amount, nil, gasLimitDepositERC20, data)
}

func (c *Client) Withdraw(ctx context.Context, amount decimal.Decimal, asset string) (*model.Transaction, error) {
	units, addr, err := c.assetUnits(asset, amount)
	if err != nil {
		return nil, err
	}
	data, err := c.exchangeABI.Pack("withdraw", addr, units)
	if err != nil {
		return nil, err
	}
	return c.broadcast(ctx, "withdraw", asset, amount, nil, gasLimitWithdraw, data)
}

func (c *Client) ApproveERC20(ctx context.Context, amount decimal.Decimal, asset string) (*model.Transaction, error) {
	units, addr, err := c.assetUnits(asset, amount)
	if err != nil {
		return nil, err
	}
	data, err := c.erc20ABI.Pack("approve", c.contract, units)
	if err != nil {
		return nil, err
	}
	return c.broadcastTo(ctx, addr, "approveERC20", asset, amount, nil, gasLimitApprove, data)
}

func (c *Client) LockStake(ctx context.Context, amount decimal.Decimal) (*model.Transaction, error) {
	units := uint64(amount.Shift(baseUnitShift).IntPart())
	data, err := c.exchangeABI.Pack("lockStake", units)
	if err != nil {
		return nil, err
	}
	return c.broadcast(ctx, "lockStake", FeeAssetSymbol, amount, nil, gasLimitLockStake, data)
}

func (c *Client) ReleaseStake(ctx context.Context) (*model.Transaction, error) {
	data, err := c.exchangeABI.Pack("requestReleaseStake")
	if err != nil {
		return nil, err
	}
	return c.broadcast(ctx, "releaseStake", FeeAssetSymbol, decimal.Zero, nil, gasLimitRelease, data)
}

func (c *Client) assetUnits(asset string, amount decimal.Decimal) (*big.Int, common.Address, error) {
	tok, ok := c.registry.Lookup(asset)
	if !ok {
		return nil, common.Address{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return amount.Shift(int32(tok.Decimals)).BigInt(), tok.Address, nil
}

func (c *Client) broadcast(ctx context.Context, method, asset string, amount decimal.Decimal, value *big.Int, gasLimit uint64, data []byte) (*model.Transaction, error) {
	return c.broadcastTo(ctx, c.contract, method, asset, amount, value, gasLimit, data)
}

func (c *Client) broadcastTo(ctx context.Context, to common.Address, method, asset string, amount decimal.Decimal, value *big.Int, gasLimit uint64, data []byte) (*model.Transaction, error) {
	gasPrice, err := c.gas.FastGasPriceWei(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.GetNonce(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = big.NewInt(0)
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(c.signer.ChainID())), c.signer.privateKey)
	if err != nil {
		return nil, fmt.Errorf("chain: sign %s tx: %w", method, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("chain: encode %s tx: %w", method, err)
	}
	if err := c.gateway.Execute(ctx, "0x"+common.Bytes2Hex(raw)); err != nil {
		return nil, err
	}

	return &model.Transaction{
		TransactionHash: signed.Hash().Hex(),
		Method:          method,
		Asset:           strings.ToUpper(asset),
		Amount:          amount,
		CreateTime:      time.Now().UnixMilli(),
		Status:          model.TxPending,
	}, nil
}
