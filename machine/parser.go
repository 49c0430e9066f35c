/*
parser.go - Best-effort fact extraction from event text

PURPOSE:
  Turns one RawEvent's free-text payload into a typed fact (sale, payment or
  change) based on its kind and text content. The machine's text format is
  not versioned, so extraction degrades gracefully: when the text does not
  match the expected shape the fact is simply absent, never an error. The
  raw event is always stored regardless.

PATTERNS (fixed machine structure, localized token names):
  Sale:     "EROGAZIONE IN CORSO - MOTORE: 80 - PREZZO: 6.20 euro (MARLBORO GOLD TOUCH KS)"
  POS:      "CREDITO POS: 6.20 euro --- CREDITO: 6.20 euro"
  Cash:     "MONETA: 2.00 euro --- CREDITO: 5.00 euro"
            "BANCONOTA: 10.00 euro --- CREDITO: 10.00 euro"
  Change:   "1.50 euro"
  Start:    "IMPRONTA VALIDA" or "TESSERA VALIDA" anywhere in the text

SEE ALSO:
  - reconstructor.go: Folds extracted facts into transactions
*/
package machine

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// dispensingMarker guards sale extraction: only EVENT records whose text
// carries it describe a vend in progress.
const dispensingMarker = "EROGAZIONE IN CORSO"

var (
	saleRe   = regexp.MustCompile(`MOTORE: (\d+) - PREZZO: ([\d.]+) euro \(([^)]+)\)`)
	posRe    = regexp.MustCompile(`CREDITO POS: ([\d.]+) euro`)
	cashRe   = regexp.MustCompile(`(MONETA|BANCONOTA): ([\d.]+) euro --- CREDITO: ([\d.]+) euro`)
	changeRe = regexp.MustCompile(`([\d.]+) euro`)
)

// IsTransactionStart reports whether the event opens a customer interaction:
// a validated fingerprint or card scan.
func IsTransactionStart(e RawEvent) bool {
	return HasStartMarker(e.Text)
}

// HasStartMarker is the text-level start predicate, for callers that hold
// raw event text rather than a RawEvent.
func HasStartMarker(text string) bool {
	return strings.Contains(text, "IMPRONTA VALIDA") ||
		strings.Contains(text, "TESSERA VALIDA")
}

// ParseSale extracts a sale fact from a dispensing event. The second return
// is false when the event is not a sale or its text does not match.
//
// The event timestamp uses a two-digit year reinterpreted as 2000+YY. When
// the timestamp is unparseable the sale time falls back to now: the derived
// sale time is approximate rather than the record being lost.
func ParseSale(e RawEvent, now time.Time) (SaleFact, bool) {
	if e.Kind != KindEvent || !strings.Contains(e.Text, dispensingMarker) {
		return SaleFact{}, false
	}

	m := saleRe.FindStringSubmatch(e.Text)
	if m == nil {
		return SaleFact{}, false
	}

	motorID, err := strconv.Atoi(m[1])
	if err != nil {
		return SaleFact{}, false
	}
	price, err := decimal.NewFromString(m[2])
	if err != nil {
		return SaleFact{}, false
	}

	saleTime, ok := e.Time()
	if !ok {
		saleTime = now
	}

	return SaleFact{
		MotorID:  motorID,
		Product:  strings.TrimSpace(m[3]),
		Price:    price,
		Time:     saleTime,
		Sequence: e.Sequence,
	}, true
}

// ParsePayment extracts a payment fact from a POS, coin or banknote event.
// For coin/banknote only the tendered denomination accumulates into a
// transaction; the running credit total is carried along as information.
func ParsePayment(e RawEvent) (PaymentFact, bool) {
	switch e.Kind {
	case KindPOS:
		m := posRe.FindStringSubmatch(e.Text)
		if m == nil {
			return PaymentFact{}, false
		}
		amount, err := decimal.NewFromString(m[1])
		if err != nil {
			return PaymentFact{}, false
		}
		return PaymentFact{Method: PaymentPOS, Amount: amount, Credit: amount}, true

	case KindCoin, KindBanknote:
		m := cashRe.FindStringSubmatch(e.Text)
		if m == nil {
			return PaymentFact{}, false
		}
		amount, err := decimal.NewFromString(m[2])
		if err != nil {
			return PaymentFact{}, false
		}
		credit, err := decimal.NewFromString(m[3])
		if err != nil {
			return PaymentFact{}, false
		}
		return PaymentFact{Method: PaymentCash, Amount: amount, Credit: credit}, true
	}

	return PaymentFact{}, false
}

// ParseChange extracts the returned amount from a change event. Change events
// carry a bare decimal in the text.
func ParseChange(e RawEvent) (ChangeFact, bool) {
	if e.Kind != KindChange {
		return ChangeFact{}, false
	}
	m := changeRe.FindStringSubmatch(e.Text)
	if m == nil {
		return ChangeFact{}, false
	}
	amount, err := decimal.NewFromString(m[1])
	if err != nil {
		return ChangeFact{}, false
	}
	return ChangeFact{Amount: amount}, true
}
