package domain

import "fmt"

// LedgerAudit is the result of replaying a wallet's transaction log.
type LedgerAudit struct {
	WalletID          string `json:"walletId"`
	OwnerID           string `json:"ownerId"`
	Transactions      int    `json:"transactions"`
	OpeningPaise      int64  `json:"openingPaise"`
	ReplayedPaise     int64  `json:"replayedPaise"`
	WalletPaise       int64  `json:"walletPaise"`
	Consistent        bool   `json:"consistent"`
	FirstMismatchTxID string `json:"firstMismatchTxId,omitempty"`
	Detail            string `json:"detail,omitempty"`
}

// ReplayLedger walks txs in application order starting from opening and
// checks every BalanceAfterPaise. It returns the final replayed balance and
// the first inconsistent transaction, if any.
func ReplayLedger(opening int64, txs []WalletTransaction) (int64, *WalletTransaction, error) {
	balance := opening
	for i := range txs {
		tx := &txs[i]
		if tx.AmountPaise <= 0 {
			return balance, tx, fmt.Errorf("transaction %s has non-positive amount %d", tx.ID, tx.AmountPaise)
		}
		balance += tx.Signed()
		if balance < 0 {
			return balance, tx, fmt.Errorf("transaction %s drives balance negative (%d)", tx.ID, balance)
		}
		if balance != tx.BalanceAfterPaise {
			return balance, tx, fmt.Errorf("transaction %s records balance_after=%d, replay gives %d",
				tx.ID, tx.BalanceAfterPaise, balance)
		}
	}
	return balance, nil, nil
}

// OpeningBalance derives the balance before the first transaction.
func OpeningBalance(txs []WalletTransaction) int64 {
	if len(txs) == 0 {
		return 0
	}
	return txs[0].BalanceAfterPaise - txs[0].Signed()
}
