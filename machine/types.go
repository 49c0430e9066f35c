/*
Package machine models the event log of a Tecnotouch vending machine.

PURPOSE:
  This package contains the domain types and algorithms that turn the flat
  chronological event stream exported by the machine's embedded admin panel
  into well-formed financial transactions. It is deliberately persistence-free:
  everything here operates on values and can be tested without a database.

KEY CONCEPTS IN THIS FILE (types.go):
  - RawEvent:  One record of the machine log, exactly as exported
  - EventKey:  The (sequence number, raw timestamp) identity of an event
  - EventKind: Closed enum decoded once from the machine's wire type strings
  - Facts:     SaleFact / PaymentFact / ChangeFact extracted from event text
  - PaymentMethod: CASH, POS or UNKNOWN

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for all money, never float64
  2. Identity: events are deduplicated on the bit-exact wire key, so the raw
     timestamp string is kept verbatim alongside any parsed form
  3. Closed decoding: wire type strings are mapped to EventKind exactly once
     at ingestion; downstream code switches exhaustively on the enum

SEE ALSO:
  - parser.go: Fact extraction from event text
  - reconstructor.go: The transaction state machine
  - brand.go: Product-name to brand resolution
*/
package machine

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventTimeLayout is the timestamp format used by the machine log:
// day/month/two-digit-year, e.g. "17/09/25 19:14:15". Go maps two-digit
// years 00-68 to 2000+, which matches the machine's 2000+YY convention.
const EventTimeLayout = "02/01/06 15:04:05"

// =============================================================================
// RAW EVENT - One record of the machine log
// =============================================================================

// RawEvent is a single machine log record. Field tags follow the JSON shape
// of the admin panel's events2_query endpoint.
//
// Sequence numbers are machine-assigned and NOT globally monotonic across
// re-exports; only the (Sequence, Timestamp) pair identifies an event.
type RawEvent struct {
	Sequence  string `json:"number"`
	Code      string `json:"code"`
	Type      string `json:"type"`     // wire string, e.g. "MONETA"
	Timestamp string `json:"dateTime"` // raw "dd/mm/yy HH:MM:SS", kept verbatim
	Text      string `json:"text"`

	// Kind is the decoded Type. Filled by Normalize, never serialized.
	Kind EventKind `json:"-"`
}

// Key returns the deduplication identity of the event.
func (e RawEvent) Key() EventKey {
	return EventKey{Sequence: e.Sequence, Timestamp: e.Timestamp}
}

// Time parses the machine timestamp. ok is false when the timestamp does not
// match the machine layout; callers decide the fallback (see ParseSale).
func (e RawEvent) Time() (t time.Time, ok bool) {
	t, err := time.ParseInLocation(EventTimeLayout, e.Timestamp, time.Local)
	return t, err == nil
}

// EventKey is the bit-exact identity of a RawEvent: the machine sequence
// number plus the raw timestamp string. The log can be re-fetched with
// overlapping ranges, so this pair is the deduplication boundary.
type EventKey struct {
	Sequence  string
	Timestamp string
}

// =============================================================================
// EVENT KIND - Closed decode of the machine's wire type strings
// =============================================================================

type EventKind string

const (
	KindProgramming EventKind = "PROGRAMMING"
	KindEvent       EventKind = "EVENT"
	KindBanknote    EventKind = "BANKNOTE"
	KindCoin        EventKind = "COIN"
	KindPOS         EventKind = "POS"
	KindChange      EventKind = "CHANGE"
	KindReceipt     EventKind = "RECEIPT"
	KindEmail       EventKind = "EMAIL"
	KindAnomaly     EventKind = "ANOMALY"
	KindUpdate      EventKind = "UPDATE"
	KindUnknown     EventKind = "UNKNOWN"
)

// wireKinds maps the machine's localized type tokens to the closed enum.
var wireKinds = map[string]EventKind{
	"PROGRAMMAZIONE": KindProgramming,
	"EVENTO":         KindEvent,
	"BANCONOTA":      KindBanknote,
	"MONETA":         KindCoin,
	"POS":            KindPOS,
	"RESTO":          KindChange,
	"SCONTRINO":      KindReceipt,
	"EMAIL":          KindEmail,
	"ANOMALIA":       KindAnomaly,
	"AGGIORNAMENTI":  KindUpdate,
}

// DecodeKind maps a wire type string to its EventKind.
// Unrecognized strings decode to KindUnknown; the event is still stored.
func DecodeKind(wire string) EventKind {
	if k, ok := wireKinds[wire]; ok {
		return k
	}
	return KindUnknown
}

// Normalize decodes the wire type of every event in place. It is the single
// ingestion-time decode step; everything downstream matches on Kind only.
func Normalize(events []RawEvent) {
	for i := range events {
		events[i].Kind = DecodeKind(events[i].Type)
	}
}

// =============================================================================
// PAYMENT METHOD
// =============================================================================

type PaymentMethod string

const (
	PaymentCash    PaymentMethod = "CASH"
	PaymentPOS     PaymentMethod = "POS"
	PaymentUnknown PaymentMethod = "UNKNOWN"
)

// =============================================================================
// FACTS - Typed extractions from event text
// =============================================================================

// SaleFact is one physical vend extracted from a dispensing event.
type SaleFact struct {
	MotorID  int
	Product  string
	Price    decimal.Decimal
	Time     time.Time // normalized; approximated to "now" on unparseable timestamps
	Sequence string    // machine sequence number of the source event
}

// PaymentFact is money tendered by the customer. For coin/banknote events the
// Credit field carries the machine's running credit total, which is
// informational only: Amount is what accumulates into a transaction.
type PaymentFact struct {
	Method PaymentMethod
	Amount decimal.Decimal
	Credit decimal.Decimal
}

// ChangeFact is money returned to the customer.
type ChangeFact struct {
	Amount decimal.Decimal
}
