package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"orion-broker/internal/audit"
	"orion-broker/internal/exchange"
	"orion-broker/internal/model"
)

// gasReserveETH is kept back from the wallet for transaction gas when
// planning a discharge.
var gasReserveETH = decimal.RequireFromString("0.045")

const ethSymbol = "ETH"

// ManageLiability discharges one outstanding liability: deposit from the
// wallet when it holds enough of the asset, otherwise withdraw the shortfall
// from the first exchange that can cover it. Skipped while anything is
// already in flight so at most one compensation crosses the trust boundary at
// a time.
func (r *Reconciler) ManageLiability(ctx context.Context, l model.Liability) error {
	if !l.OutstandingAmount.IsPositive() {
		return nil
	}
	if time.Now().UnixMilli()-l.Timestamp <= r.cfg.DuePeriod.Milliseconds() {
		return nil
	}

	pendingTx, err := r.store.HasPendingTransaction(ctx)
	if err != nil {
		return err
	}
	pendingWithdraw, err := r.store.HasPendingWithdraw(ctx)
	if err != nil {
		return err
	}
	if pendingTx || pendingWithdraw {
		r.status.Set("liability:"+l.AssetName, "discharge deferred, transfer in flight")
		return nil
	}

	wallet, err := r.chain.GetWalletBalance(ctx)
	if err != nil {
		return err
	}
	assetBalance, okAsset := wallet[l.AssetName]
	ethBalance, okETH := wallet[ethSymbol]
	if !okAsset || !okETH {
		return fmt.Errorf("wallet balance unknown (asset=%v eth=%v)", okAsset, okETH)
	}
	if l.AssetName == ethSymbol {
		assetBalance = ethBalance.Sub(gasReserveETH)
	}

	if assetBalance.GreaterThanOrEqual(l.OutstandingAmount) {
		return r.deposit(ctx, l.OutstandingAmount, l.AssetName)
	}

	remaining := l.OutstandingAmount
	if assetBalance.IsPositive() {
		remaining = remaining.Sub(assetBalance)
	}

	adapter, amount := r.getExchangeForWithdraw(ctx, l.AssetName, remaining)
	if adapter == nil {
		r.status.Set("liability:"+l.AssetName, fmt.Sprintf("no venue can cover %s %s", remaining, l.AssetName))
		return nil
	}

	address := r.chain.Address().Hex()
	id, ok := adapter.Withdraw(ctx, l.AssetName, amount, address)
	if !ok {
		// Reported as absence; the next liability tick retries.
		return nil
	}
	w := &model.Withdrawal{
		ExchangeWithdrawID: id,
		Exchange:           adapter.Name(),
		Currency:           l.AssetName,
		Amount:             amount,
		Status:             model.WithdrawPending,
	}
	if err := r.store.InsertWithdraw(ctx, w); err != nil {
		return err
	}
	r.auditAppend(audit.Record{
		Event:    "liability_withdraw",
		Exchange: adapter.Name(),
		Asset:    l.AssetName,
		Amount:   amount.String(),
		Ref:      id,
	})
	log.Printf("[info] liability %s: withdrawing %s from %s to %s", l.AssetName, amount, adapter.Name(), address)
	return nil
}

// getExchangeForWithdraw scans venues in insertion order and picks the first
// whose last known balance exceeds the shortfall plus the venue's fee,
// clamped up to the venue minimum.
func (r *Reconciler) getExchangeForWithdraw(ctx context.Context, asset string, remaining decimal.Decimal) (exchange.Adapter, decimal.Decimal) {
	r.balMu.RLock()
	snapshot := r.lastBalance
	r.balMu.RUnlock()

	for _, a := range r.adapters {
		if !a.HasWithdraw() {
			continue
		}
		limit, err := a.GetWithdrawLimit(ctx, asset)
		if err != nil {
			log.Printf("[warn] reconciler: withdraw limit %s on %s: %v", asset, a.Name(), err)
			continue
		}
		amountWithFee := decimal.Max(remaining.Add(limit.Fee), limit.Min)
		balance, ok := snapshot[a.Name()][asset]
		if !ok {
			continue
		}
		if balance.GreaterThan(amountWithFee) {
			return a, amountWithFee
		}
	}
	return nil, decimal.Zero
}

// deposit moves amount of asset from the wallet into the settlement
// contract. ERC-20 deposits require an operator-managed allowance; the
// reconciler never auto-approves.
func (r *Reconciler) deposit(ctx context.Context, amount decimal.Decimal, asset string) error {
	var tx *model.Transaction
	var err error
	if asset == ethSymbol {
		tx, err = r.chain.DepositETH(ctx, amount)
	} else {
		allowance, aerr := r.chain.GetAllowance(ctx, asset)
		if aerr != nil {
			return aerr
		}
		if allowance.LessThan(amount) {
			log.Printf("[warn] reconciler: allowance %s %s below deposit %s; operator must approve", allowance, asset, amount)
			return nil
		}
		tx, err = r.chain.DepositERC20(ctx, amount, asset)
	}
	if err != nil {
		return err
	}
	if err := r.store.InsertTransaction(ctx, tx); err != nil {
		return err
	}
	r.auditAppend(audit.Record{
		Event:  "liability_deposit",
		Asset:  asset,
		Amount: amount.String(),
		Ref:    tx.TransactionHash,
		Detail: tx.Method,
	})
	log.Printf("[info] liability %s: depositing %s (tx=%s)", asset, amount, tx.TransactionHash)
	return nil
}
