package budget

import "context"

// LedgerStore is the relational-store side of the Budget Gate: the
// authoritative, durable record. The fast store in front of it (see
// Gate) carries the high-throughput spend counter; LedgerStore only sees
// periodic flushes plus the occasional cold read.
type LedgerStore interface {
	GetLedger(ctx context.Context, tenantID, productID string) (*Ledger, error)

	// FlushSpend durably adds delta to the ledger's recorded daily spend.
	// Called periodically by the worker that drains the fast store's
	// dirty set, never on the request hot path.
	FlushSpend(ctx context.Context, tenantID, productID string, delta float64) error
}
