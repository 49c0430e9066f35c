package machine_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleli/tecnotouch/machine"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func event(seq, wireType, timestamp, text string) machine.RawEvent {
	e := machine.RawEvent{
		Sequence:  seq,
		Type:      wireType,
		Timestamp: timestamp,
		Text:      text,
	}
	e.Kind = machine.DecodeKind(wireType)
	return e
}

// =============================================================================
// KIND DECODING
// =============================================================================

func TestDecodeKind_KnownTokens(t *testing.T) {
	assert.Equal(t, machine.KindCoin, machine.DecodeKind("MONETA"))
	assert.Equal(t, machine.KindBanknote, machine.DecodeKind("BANCONOTA"))
	assert.Equal(t, machine.KindPOS, machine.DecodeKind("POS"))
	assert.Equal(t, machine.KindChange, machine.DecodeKind("RESTO"))
	assert.Equal(t, machine.KindEvent, machine.DecodeKind("EVENTO"))
	assert.Equal(t, machine.KindProgramming, machine.DecodeKind("PROGRAMMAZIONE"))
}

func TestDecodeKind_UnrecognizedToken(t *testing.T) {
	// GIVEN: A wire type string no firmware version documents
	// THEN: It decodes to UNKNOWN instead of being dropped
	assert.Equal(t, machine.KindUnknown, machine.DecodeKind("QUALCOSA"))
	assert.Equal(t, machine.KindUnknown, machine.DecodeKind(""))
}

func TestNormalize_DecodesInPlace(t *testing.T) {
	events := []machine.RawEvent{
		{Type: "MONETA"},
		{Type: "EVENTO"},
		{Type: "???"},
	}
	machine.Normalize(events)

	assert.Equal(t, machine.KindCoin, events[0].Kind)
	assert.Equal(t, machine.KindEvent, events[1].Kind)
	assert.Equal(t, machine.KindUnknown, events[2].Kind)
}

// =============================================================================
// TRANSACTION START DETECTION
// =============================================================================

func TestIsTransactionStart(t *testing.T) {
	assert.True(t, machine.IsTransactionStart(event("1", "EVENTO", "17/09/25 19:14:15", "IMPRONTA VALIDA UTENTE 12")))
	assert.True(t, machine.IsTransactionStart(event("2", "EVENTO", "17/09/25 19:14:15", "TESSERA VALIDA")))
	assert.False(t, machine.IsTransactionStart(event("3", "EVENTO", "17/09/25 19:14:15", "IMPRONTA NON VALIDA... RIPROVARE")))
}

func TestHasStartMarker(t *testing.T) {
	// Text-level variant used where only the stored event text is at hand.
	assert.True(t, machine.HasStartMarker("IMPRONTA VALIDA UTENTE 12"))
	assert.True(t, machine.HasStartMarker("TESSERA VALIDA 0041"))
	assert.False(t, machine.HasStartMarker("EROGAZIONE IN CORSO - MOTORE: 80"))
}

// =============================================================================
// SALE EXTRACTION
// =============================================================================

func TestParseSale_DispensingEvent(t *testing.T) {
	// GIVEN: A dispensing event with motor, price and product
	e := event("3972", "EVENTO", "17/09/25 19:14:23",
		"EROGAZIONE IN CORSO - MOTORE: 80 - PREZZO: 6.20 euro (MARLBORO GOLD TOUCH KS)")

	sale, ok := machine.ParseSale(e, time.Now())
	require.True(t, ok)

	assert.Equal(t, 80, sale.MotorID)
	assert.Equal(t, "MARLBORO GOLD TOUCH KS", sale.Product)
	assert.True(t, sale.Price.Equal(decimal.RequireFromString("6.20")))
	assert.Equal(t, "3972", sale.Sequence)

	want := time.Date(2025, time.September, 17, 19, 14, 23, 0, time.Local)
	assert.Equal(t, want, sale.Time)
}

func TestParseSale_RequiresDispensingMarker(t *testing.T) {
	// An EVENT mentioning a motor without the dispensing marker is not a sale.
	e := event("1", "EVENTO", "17/09/25 19:14:23", "MOTORE: 80 - PREZZO: 6.20 euro (CAMEL BLU)")
	_, ok := machine.ParseSale(e, time.Now())
	assert.False(t, ok)
}

func TestParseSale_WrongKind(t *testing.T) {
	e := event("1", "MONETA", "17/09/25 19:14:23",
		"EROGAZIONE IN CORSO - MOTORE: 80 - PREZZO: 6.20 euro (CAMEL BLU)")
	_, ok := machine.ParseSale(e, time.Now())
	assert.False(t, ok)
}

func TestParseSale_UnparseableTimestampFallsBackToNow(t *testing.T) {
	// GIVEN: A dispensing event with a corrupted timestamp
	// THEN: The sale is kept with an approximate time, not lost
	now := time.Date(2026, time.August, 31, 12, 0, 0, 0, time.Local)
	e := event("5", "EVENTO", "garbage",
		"EROGAZIONE IN CORSO - MOTORE: 12 - PREZZO: 5.50 euro (CAMEL BLU KS)")

	sale, ok := machine.ParseSale(e, now)
	require.True(t, ok)
	assert.Equal(t, now, sale.Time)
}

func TestParseSale_MalformedText(t *testing.T) {
	e := event("6", "EVENTO", "17/09/25 19:14:23", "EROGAZIONE IN CORSO - MOTORE: ?")
	_, ok := machine.ParseSale(e, time.Now())
	assert.False(t, ok)
}

// =============================================================================
// PAYMENT EXTRACTION
// =============================================================================

func TestParsePayment_POS(t *testing.T) {
	e := event("10", "POS", "17/09/25 19:14:20", "CREDITO POS: 6.20 euro --- CREDITO: 6.20 euro")

	p, ok := machine.ParsePayment(e)
	require.True(t, ok)
	assert.Equal(t, machine.PaymentPOS, p.Method)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("6.20")))
}

func TestParsePayment_Coin(t *testing.T) {
	e := event("11", "MONETA", "17/09/25 19:13:58", "MONETA: 2.00 euro --- CREDITO: 5.00 euro")

	p, ok := machine.ParsePayment(e)
	require.True(t, ok)
	assert.Equal(t, machine.PaymentCash, p.Method)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("2.00")), "tendered amount, not running credit")
	assert.True(t, p.Credit.Equal(decimal.RequireFromString("5.00")))
}

func TestParsePayment_Banknote(t *testing.T) {
	e := event("12", "BANCONOTA", "17/09/25 19:13:40", "BANCONOTA: 10.00 euro --- CREDITO: 10.00 euro")

	p, ok := machine.ParsePayment(e)
	require.True(t, ok)
	assert.Equal(t, machine.PaymentCash, p.Method)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("10.00")))
}

func TestParsePayment_MalformedText(t *testing.T) {
	e := event("13", "MONETA", "17/09/25 19:13:58", "MONETA INCEPPATA")
	_, ok := machine.ParsePayment(e)
	assert.False(t, ok)
}

// =============================================================================
// CHANGE EXTRACTION
// =============================================================================

func TestParseChange(t *testing.T) {
	e := event("14", "RESTO", "17/09/25 19:14:30", "1.50 euro")

	c, ok := machine.ParseChange(e)
	require.True(t, ok)
	assert.True(t, c.Amount.Equal(decimal.RequireFromString("1.50")))
}

func TestParseChange_WrongKind(t *testing.T) {
	e := event("15", "EVENTO", "17/09/25 19:14:30", "1.50 euro")
	_, ok := machine.ParseChange(e)
	assert.False(t, ok)
}

// =============================================================================
// EVENT IDENTITY
// =============================================================================

func TestEventKey_IsBitExact(t *testing.T) {
	// The raw timestamp string is the identity, not its parsed value.
	a := event("100", "EVENTO", "17/09/25 19:14:15", "x")
	b := event("100", "EVENTO", "17/09/25 19:14:15", "different text")
	c := event("100", "EVENTO", "17/09/25 19:14:16", "x")

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}
