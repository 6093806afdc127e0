package market

import (
	"math"
	"math/big"
	"strings"
	"testing"
)

func TestStatusOpen(t *testing.T) {
	open := []Status{StatusApproved, StatusShipped}
	for _, s := range open {
		if !s.Open() {
			t.Fatalf("%s should block a new escrow", s)
		}
	}
	terminal := []Status{StatusDelivered, StatusDisputed, StatusCanceled}
	for _, s := range terminal {
		if s.Open() {
			t.Fatalf("%s is terminal and should not block a new escrow", s)
		}
	}
}

func TestStatusValid(t *testing.T) {
	if !StatusCanceled.Valid() {
		t.Fatalf("canceled should be valid")
	}
	if Status(42).Valid() {
		t.Fatalf("out-of-range status should be invalid")
	}
}

func TestRefundDeadline(t *testing.T) {
	tx := &Transaction{TimeCreated: 1_700_000_000, TimeoutDays: 7}
	want := uint64(1_700_000_000 + 7*86_400)
	if got := tx.RefundDeadline(); got != want {
		t.Fatalf("deadline: want %d got %d", want, got)
	}
	zero := &Transaction{TimeCreated: 1_700_000_000}
	if got := zero.RefundDeadline(); got != 1_700_000_000 {
		t.Fatalf("zero timeout should be immediately refundable, got %d", got)
	}
	// An absurd timeout saturates instead of wrapping to an instantly-due
	// deadline.
	huge := &Transaction{TimeCreated: 1_700_000_000, TimeoutDays: math.MaxUint64 / 2}
	if got := huge.RefundDeadline(); got != math.MaxUint64 {
		t.Fatalf("expected saturated deadline, got %d", got)
	}
}

func TestTransactionCloneIsDeep(t *testing.T) {
	tx := &Transaction{
		ID:          "tx-1",
		ValueLocked: big.NewInt(100),
		Price:       big.NewInt(90),
	}
	clone := tx.Clone()
	clone.ValueLocked.SetInt64(7)
	clone.Status = StatusDisputed
	if tx.ValueLocked.Int64() != 100 || tx.Status != StatusApproved {
		t.Fatalf("mutating the clone leaked into the original: %+v", tx)
	}
	nilAmounts := (&Transaction{ID: "tx-2"}).Clone()
	if nilAmounts.ValueLocked == nil || nilAmounts.Price == nil {
		t.Fatalf("clone must normalise nil amounts")
	}
}

func TestSanitizeTransaction(t *testing.T) {
	valid := &Transaction{
		ID: " tx-1 ", ProductID: "p1", StoreID: "shoes.market", BuyerID: "bob",
		ValueLocked: big.NewInt(100), Price: big.NewInt(90),
	}
	got, err := SanitizeTransaction(valid)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if got.ID != "tx-1" {
		t.Fatalf("expected trimmed id, got %q", got.ID)
	}

	bad := []*Transaction{
		nil,
		{ProductID: "p1", StoreID: "s", BuyerID: "b"},
		{ID: "tx", StoreID: "s", BuyerID: "b"},
		{ID: "tx", ProductID: "p1", BuyerID: "b"},
		{ID: "tx", ProductID: "p1", StoreID: "s"},
		{ID: "tx", ProductID: "p1", StoreID: "s", BuyerID: "b", ValueLocked: big.NewInt(-1)},
		{ID: "tx", ProductID: "p1", StoreID: "s", BuyerID: "b", Affiliate: true, AffiliatePercent: 101, AffiliateID: "a"},
		{ID: "tx", ProductID: "p1", StoreID: "s", BuyerID: "b", Affiliate: true},
		{ID: "tx", ProductID: "p1", StoreID: "s", BuyerID: "b", Status: Status(9)},
	}
	for i, tx := range bad {
		if _, err := SanitizeTransaction(tx); err == nil {
			t.Fatalf("case %d: expected rejection", i)
		}
	}
}

func TestParseSaleTerms(t *testing.T) {
	terms, err := ParseSaleTerms([]byte(`{"price":"950","tokenId":"token-1"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if terms.Price.String() != "950" || terms.TokenID != "token-1" || terms.Affiliate {
		t.Fatalf("unexpected terms: %+v", terms)
	}

	terms, err = ParseSaleTerms([]byte(`{"price":"1000","tokenId":"t","affiliate":true,"affiliateId":"promo","affiliatePercent":10}`))
	if err != nil {
		t.Fatalf("parse affiliate: %v", err)
	}
	if !terms.Affiliate || terms.AffiliateID != "promo" || terms.AffiliatePercent != 10 {
		t.Fatalf("unexpected affiliate terms: %+v", terms)
	}
}

func TestParseSaleTermsRejectsViolations(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"empty", ``},
		{"not json", `garbage`},
		{"wrong shape", `[1,2]`},
		{"unknown field", `{"price":"1","tokenId":"t","extra":true}`},
		{"trailing data", `{"price":"1","tokenId":"t"}{"price":"2","tokenId":"t"}`},
		{"price not decimal", `{"price":"1.5e3","tokenId":"t"}`},
		{"price zero", `{"price":"0","tokenId":"t"}`},
		{"price negative", `{"price":"-5","tokenId":"t"}`},
		{"missing token", `{"price":"1"}`},
		{"affiliate without id", `{"price":"1","tokenId":"t","affiliate":true}`},
		{"affiliate percent over 100", `{"price":"1","tokenId":"t","affiliate":true,"affiliateId":"a","affiliatePercent":101}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseSaleTerms([]byte(tc.payload)); err == nil {
				t.Fatalf("expected rejection of %q", tc.payload)
			}
		})
	}
}

func TestValidStorePrefix(t *testing.T) {
	good := []string{"shoes", "my-store", "store_01", "ab"}
	for _, p := range good {
		if !validStorePrefix(p) {
			t.Fatalf("%q should be a valid prefix", p)
		}
	}
	bad := []string{"", "a", strings.Repeat("x", 33), "UPPER", "dot.ted", "sp ace", "emo🙂ji"}
	for _, p := range bad {
		if validStorePrefix(p) {
			t.Fatalf("%q should be rejected", p)
		}
	}
}

func TestStoreStatsClone(t *testing.T) {
	stats := &StoreStats{Sales: 3, Volume: big.NewInt(500)}
	clone := stats.Clone()
	clone.Volume.SetInt64(1)
	clone.Sales = 99
	if stats.Volume.Int64() != 500 || stats.Sales != 3 {
		t.Fatalf("mutating the clone leaked into the original: %+v", stats)
	}
}
