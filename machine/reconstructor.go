/*
reconstructor.go - The transaction state machine

PURPOSE:
  Groups a chronological event batch into customer transactions. A
  transaction is bounded by an authentication event (validated fingerprint
  or card) and the next such event, and accumulates the sales, payments and
  change that happen in between.

STATES:
  NoOpenTransaction      - events pass through as raw log entries only
  OpenTransaction        - non-start events are folded into the open one

THE CROSS-BATCH INVARIANT:
  At most one transaction is open at any time, and an import boundary must
  never close it: the entry point takes the prior open-transaction snapshot
  as an explicit argument and returns the new snapshot, so a transaction
  that straddles two exports keeps accumulating. The snapshot carries the
  persisted sale count and payment method so a carry-over transaction
  finalized by a later batch keeps what earlier batches contributed.

FINALIZATION:
  A transaction is committed only once it contains at least one sale.
  A fingerprint scan with no purchase is discarded, which is normal
  behavior, not an error.

SEE ALSO:
  - parser.go: Fact extraction used while folding events
  - pipeline: Loads the prior snapshot and persists the result
*/
package machine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OPEN TRANSACTION - The carry-over snapshot
// =============================================================================

// OpenTransaction is the state of the single in-progress transaction. It is
// a plain value: the reconstructor neither reads nor writes storage.
type OpenTransaction struct {
	// ID is the storage id when the transaction was already persisted as
	// incomplete by an earlier batch; 0 for a transaction born in this batch.
	ID int64

	StartTime     time.Time
	LastEventTime time.Time
	PaymentMethod PaymentMethod
	TotalPaid     decimal.Decimal
	TotalChange   decimal.Decimal

	// PersistedSales counts sales already stored for this transaction by
	// earlier batches. Sales holds only the ones found in the current batch.
	PersistedSales int
	Sales          []SaleFact

	// Events are the identity keys of every batch event folded into this
	// transaction, used to backlink raw events once an id is known.
	Events []EventKey
}

// SaleCount is the total number of sales across all batches.
func (o *OpenTransaction) SaleCount() int {
	return o.PersistedSales + len(o.Sales)
}

// NetRevenue is always paid minus change.
func (o *OpenTransaction) NetRevenue() decimal.Decimal {
	return o.TotalPaid.Sub(o.TotalChange)
}

// FinalizedTransaction is a transaction closed by this batch, ready to be
// committed. ID is 0 when the header row does not exist yet.
type FinalizedTransaction struct {
	ID            int64
	StartTime     time.Time
	EndTime       time.Time
	PaymentMethod PaymentMethod
	TotalPaid     decimal.Decimal
	TotalChange   decimal.Decimal
	NetRevenue    decimal.Decimal
	Sales         []SaleFact
	Events        []EventKey
}

// Result is the outcome of one reconstruction pass.
type Result struct {
	// Finalized transactions, in the order they were closed.
	Finalized []FinalizedTransaction

	// Open is the still-accumulating transaction to carry into the next
	// batch, or nil. It is not finalized at end of batch; the store may
	// eagerly persist it as incomplete when it is new and already holds a
	// sale, so the sale survives a process restart.
	Open *OpenTransaction
}

// =============================================================================
// RECONSTRUCTION
// =============================================================================

// Reconstruct runs the state machine over one chronological event batch.
//
// prior is the open-transaction snapshot from the previous batch (nil when
// none). now is the fallback clock for unparseable sale timestamps. Events
// must already be Normalized.
//
// A start-marker event always (a) finalizes the open transaction - committed
// if it has at least one sale, discarded otherwise - then (b) opens a new one
// anchored at the marker's timestamp. Non-start events with no open
// transaction are retained as raw log entries only.
func Reconstruct(prior *OpenTransaction, events []RawEvent, now time.Time) Result {
	var res Result
	cur := prior

	for _, e := range events {
		if IsTransactionStart(e) {
			if cur != nil {
				if fin, ok := finalize(cur); ok {
					res.Finalized = append(res.Finalized, fin)
				}
			}
			cur = openTransaction(e)
			continue
		}

		if cur == nil {
			continue
		}
		fold(cur, e, now)
	}

	res.Open = cur
	return res
}

func openTransaction(start RawEvent) *OpenTransaction {
	t, ok := start.Time()
	if !ok {
		t = time.Time{}
	}
	return &OpenTransaction{
		StartTime:     t,
		LastEventTime: t,
		PaymentMethod: PaymentUnknown,
		TotalPaid:     decimal.Zero,
		TotalChange:   decimal.Zero,
		Events:        []EventKey{start.Key()},
	}
}

// fold classifies one non-start event into the open transaction. Events whose
// text matches no fact still become members: they belong to the interaction
// even when nothing can be extracted from them.
func fold(tx *OpenTransaction, e RawEvent, now time.Time) {
	tx.Events = append(tx.Events, e.Key())
	if t, ok := e.Time(); ok {
		tx.LastEventTime = t
	}

	switch e.Kind {
	case KindPOS, KindCoin, KindBanknote:
		if p, ok := ParsePayment(e); ok {
			tx.TotalPaid = tx.TotalPaid.Add(p.Amount)
			if p.Method == PaymentPOS {
				tx.PaymentMethod = PaymentPOS
			} else if tx.PaymentMethod != PaymentPOS {
				tx.PaymentMethod = PaymentCash
			}
		}

	case KindEvent:
		if s, ok := ParseSale(e, now); ok {
			tx.Sales = append(tx.Sales, s)
		}

	case KindChange:
		if c, ok := ParseChange(e); ok {
			tx.TotalChange = tx.TotalChange.Add(c.Amount)
		}
	}
}

// finalize closes an open transaction. Transactions without a single sale
// are discarded: their events keep a null transaction link.
func finalize(tx *OpenTransaction) (FinalizedTransaction, bool) {
	if tx.SaleCount() == 0 {
		return FinalizedTransaction{}, false
	}

	end := tx.LastEventTime
	if end.IsZero() {
		end = tx.StartTime
	}

	return FinalizedTransaction{
		ID:            tx.ID,
		StartTime:     tx.StartTime,
		EndTime:       end,
		PaymentMethod: tx.PaymentMethod,
		TotalPaid:     tx.TotalPaid,
		TotalChange:   tx.TotalChange,
		NetRevenue:    tx.NetRevenue(),
		Sales:         tx.Sales,
		Events:        tx.Events,
	}, true
}
