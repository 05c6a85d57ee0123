package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/shortcode"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createAffiliate(t *testing.T, db *DB, email string) models.Affiliate {
	t.Helper()
	now := time.Now().UTC()
	aff := models.Affiliate{
		ID:        uuid.New().String(),
		StoreID:   "store-1",
		Email:     email,
		Status:    models.AffiliateActive,
		Earnings:  models.Earnings{Currency: "USD"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.CreateAffiliate(context.Background(), aff, email); err != nil {
		t.Fatalf("CreateAffiliate failed: %v", err)
	}
	return aff
}

func rotate(db *DB, affiliateID string, version int64, historyCap int, codes ...string) (models.ReferralLink, int64, error) {
	return db.RotateLink(context.Background(), RotateParams{
		AffiliateID:     affiliateID,
		ExpectedVersion: version,
		Generator:       &shortcode.SequenceGenerator{Codes: codes},
		MaxAttempts:     3,
		HistoryCap:      historyCap,
		Now:             time.Now(),
	})
}

func newConversion(affiliateID *string, code, orderID string, cents int64) models.ConversionEvent {
	now := time.Now().UTC()
	amount := FromCents(cents)
	return models.ConversionEvent{
		ID:               uuid.New().String(),
		OrderID:          orderID,
		ShortCode:        code,
		AffiliateID:      affiliateID,
		Amount:           amount,
		Currency:         "USD",
		CommissionRate:   decimal.RequireFromString("0.1"),
		CommissionAmount: amount.Mul(decimal.RequireFromString("0.1")).Round(2),
		Status:           models.ConversionPending,
		LedgerCounted:    true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestCents(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"10.00", 1000},
		{"19.99", 1999},
		{"0.005", 1},
		{"-4.5", -450},
	}
	for _, tt := range tests {
		got := ToCents(decimal.RequireFromString(tt.in))
		if got != tt.want {
			t.Errorf("ToCents(%s) = %d, want %d", tt.in, got, tt.want)
		}
	}

	if !FromCents(1999).Equal(decimal.RequireFromString("19.99")) {
		t.Errorf("FromCents(1999) = %s", FromCents(1999))
	}
}

func TestCreateAffiliate_UniquePerStoreEmail(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	aff := createAffiliate(t, db, "a@x.com")

	dup := aff
	dup.ID = uuid.New().String()
	if err := db.CreateAffiliate(ctx, dup, "a@x.com"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}

	if err := db.SoftDeleteAffiliate(ctx, aff.ID, time.Now()); err != nil {
		t.Fatalf("SoftDeleteAffiliate failed: %v", err)
	}
	if err := db.CreateAffiliate(ctx, dup, "a@x.com"); err != nil {
		t.Errorf("Expected enrollment after soft delete, got %v", err)
	}

	if _, err := db.GetAffiliate(ctx, aff.ID, false); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected soft-deleted affiliate to be hidden, got %v", err)
	}
	if _, err := db.GetAffiliate(ctx, aff.ID, true); err != nil {
		t.Errorf("Expected soft-deleted affiliate with includeDeleted, got %v", err)
	}
}

func TestInsertConversionIfAbsent_ClaimsOrderOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := db.InsertConversionIfAbsent(ctx, newConversion(nil, "ABC123", "ORD-1", 1000))
			if err != nil {
				t.Errorf("InsertConversionIfAbsent failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Errorf("Expected exactly one insert, got %d", inserted)
	}

	rows, err := db.ListConversionsByShortCodes(ctx, []string{"ABC123"})
	if err != nil {
		t.Fatalf("ListConversionsByShortCodes failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("Expected one stored row, got %d", len(rows))
	}
}

func TestInsertLegacyConversion_KeepsDuplicates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for i, want := range []bool{true, false} {
		counted, err := db.InsertLegacyConversion(ctx, newConversion(nil, "ABC123", "ORD-L", 500), LedgerDelta{})
		if err != nil {
			t.Fatalf("InsertLegacyConversion failed: %v", err)
		}
		if counted != want {
			t.Errorf("row %d: expected counted=%v, got %v", i, want, counted)
		}
	}

	rows, err := db.ListConversionsByShortCodes(ctx, []string{"ABC123"})
	if err != nil {
		t.Fatalf("ListConversionsByShortCodes failed: %v", err)
	}
	if len(rows) != 2 || !rows[0].Legacy {
		t.Fatalf("Expected two legacy rows, got %+v", rows)
	}
	if !rows[0].LedgerCounted || rows[1].LedgerCounted {
		t.Errorf("Expected only the first row to be counted, got %v/%v", rows[0].LedgerCounted, rows[1].LedgerCounted)
	}

	// the claim is already held, so a live delivery is a duplicate
	ok, err := db.InsertConversionIfAbsent(ctx, newConversion(nil, "ABC123", "ORD-L", 500))
	if err != nil || ok {
		t.Errorf("Expected live delivery to be rejected, got %v/%v", ok, err)
	}
}

func TestRotateLink_VersionCAS(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	aff := createAffiliate(t, db, "a@x.com")

	link, version, err := rotate(db, aff.ID, 0, 0, "ABC123")
	if err != nil {
		t.Fatalf("RotateLink failed: %v", err)
	}
	if link.ShortCode != "ABC123" || version != 1 {
		t.Errorf("Unexpected rotation: %s at %d", link.ShortCode, version)
	}

	if _, _, err := rotate(db, aff.ID, 0, 0, "DEF456"); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Expected ErrVersionConflict, got %v", err)
	}

	// the losing rotation must not have claimed its code
	if _, err := db.ResolveShortCode(ctx, "DEF456"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected DEF456 unclaimed, got %v", err)
	}

	if _, _, err := rotate(db, aff.ID, 1, 0, "DEF456"); err != nil {
		t.Fatalf("RotateLink failed: %v", err)
	}
	active, err := db.GetActiveLink(ctx, aff.ID)
	if err != nil || active.ShortCode != "DEF456" {
		t.Errorf("Expected DEF456 active, got %+v (%v)", active, err)
	}

	links, _ := db.ListLinks(ctx, aff.ID)
	if len(links) != 2 || links[1].Status != models.LinkReplaced || links[1].ReplacedAt == nil {
		t.Errorf("Expected ABC123 replaced, got %+v", links)
	}
}

func TestRotateLink_CodesNeverReissued(t *testing.T) {
	db := setupTestDB(t)
	first := createAffiliate(t, db, "a@x.com")
	second := createAffiliate(t, db, "b@x.com")

	if _, _, err := rotate(db, first.ID, 0, 0, "ABC123"); err != nil {
		t.Fatalf("RotateLink failed: %v", err)
	}

	_, _, err := rotate(db, second.ID, 0, 0, "ABC123")
	if !errors.Is(err, ErrShortCodeExhausted) {
		t.Fatalf("Expected ErrShortCodeExhausted, got %v", err)
	}

	// rollback leaves the version where it was
	aff, _ := db.GetAffiliate(context.Background(), second.ID, false)
	if aff.LinkVersion != 0 {
		t.Errorf("Expected version 0 after failed rotation, got %d", aff.LinkVersion)
	}
}

func TestRotateLink_PrunesReplacedLinks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	aff := createAffiliate(t, db, "a@x.com")

	codes := []string{"CODE01", "CODE02", "CODE03"}
	for i, code := range codes {
		if _, _, err := rotate(db, aff.ID, int64(i), 2, code); err != nil {
			t.Fatalf("RotateLink %s failed: %v", code, err)
		}
	}

	links, err := db.ListLinks(ctx, aff.ID)
	if err != nil {
		t.Fatalf("ListLinks failed: %v", err)
	}
	if len(links) != 2 || links[0].ShortCode != "CODE03" || links[1].ShortCode != "CODE02" {
		t.Errorf("Expected CODE03 and CODE02 retained, got %+v", links)
	}

	all, err := db.ListShortCodes(ctx, aff.ID)
	if err != nil {
		t.Fatalf("ListShortCodes failed: %v", err)
	}
	if len(all) != 3 || all[0] != "CODE01" {
		t.Errorf("Expected registry to keep every code oldest first, got %v", all)
	}
	if owner, err := db.ResolveShortCode(ctx, "CODE01"); err != nil || owner != aff.ID {
		t.Errorf("Expected pruned code to resolve to %s, got %q (%v)", aff.ID, owner, err)
	}
}

func TestTransitionConversion_StatusCAS(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	aff := createAffiliate(t, db, "a@x.com")

	conv := newConversion(&aff.ID, "ABC123", "ORD-1", 10000)
	if _, err := db.InsertConversionIfAbsent(ctx, conv); err != nil {
		t.Fatalf("InsertConversionIfAbsent failed: %v", err)
	}
	if err := db.ApplyAttribution(ctx, AttributionDelta{
		AffiliateID: aff.ID, ShortCode: conv.ShortCode, Amount: conv.Amount, Commission: conv.CommissionAmount,
	}); err != nil {
		t.Fatalf("ApplyAttribution failed: %v", err)
	}

	ten := decimal.NewFromInt(10)
	delta := LedgerDelta{Pending: ten.Neg(), Paid: ten}
	if err := db.TransitionConversion(ctx, conv, models.ConversionPaid, delta, time.Now()); err != nil {
		t.Fatalf("TransitionConversion failed: %v", err)
	}

	// conv still carries the old status, so a replay loses the CAS
	if err := db.TransitionConversion(ctx, conv, models.ConversionPaid, delta, time.Now()); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("Expected ErrStatusConflict, got %v", err)
	}

	snap, err := db.GetLedger(ctx, aff.ID)
	if err != nil {
		t.Fatalf("GetLedger failed: %v", err)
	}
	if !snap.Pending.IsZero() || !snap.Paid.Equal(ten) {
		t.Errorf("Expected 0/10, got %s/%s", snap.Pending, snap.Paid)
	}
}

func TestReconcileAffiliate_RebuildsFromLogs(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	aff := createAffiliate(t, db, "a@x.com")
	if _, _, err := rotate(db, aff.ID, 0, 0, "ABC123"); err != nil {
		t.Fatalf("RotateLink failed: %v", err)
	}

	// events written without their counter updates
	if err := db.InsertClick(ctx, models.ClickEvent{
		ID: uuid.New().String(), ShortCode: "ABC123", AffiliateID: &aff.ID, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("InsertClick failed: %v", err)
	}
	if _, err := db.InsertConversionIfAbsent(ctx, newConversion(&aff.ID, "ABC123", "ORD-1", 2000)); err != nil {
		t.Fatalf("InsertConversionIfAbsent failed: %v", err)
	}

	out, err := db.ReconcileAffiliate(ctx, aff.ID, false)
	if err != nil {
		t.Fatalf("ReconcileAffiliate failed: %v", err)
	}
	if out.Before.TotalClicks != 0 || out.After.TotalClicks != 1 || out.After.TotalConversions != 1 {
		t.Errorf("Unexpected counters: before %+v after %+v", out.Before, out.After)
	}
	if !out.DerivedEarnings.Pending.Equal(decimal.NewFromInt(2)) || out.EarningsWritten {
		t.Errorf("Expected derived pending 2 without repair, got %s/%v", out.DerivedEarnings.Pending, out.EarningsWritten)
	}

	link, _ := db.GetActiveLink(ctx, aff.ID)
	if link.Stats.Clicks != 1 || link.Stats.Conversions != 1 || !link.Stats.Revenue.Equal(decimal.NewFromInt(20)) {
		t.Errorf("Expected link stats rebuilt, got %+v", link.Stats)
	}

	out, err = db.ReconcileAffiliate(ctx, aff.ID, true)
	if err != nil || !out.EarningsWritten {
		t.Fatalf("Expected earnings repair, got %v/%v", out.EarningsWritten, err)
	}
	snap, _ := db.GetLedger(ctx, aff.ID)
	if !snap.Pending.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected repaired pending 2, got %s", snap.Pending)
	}

	if _, err := db.ReconcileAffiliate(ctx, uuid.New().String(), false); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestInsertLegacyConversion_CreditsClaimHolderOnly(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	aff := createAffiliate(t, db, "a@x.com")
	if _, _, err := rotate(db, aff.ID, 0, 0, "ABC123"); err != nil {
		t.Fatalf("RotateLink failed: %v", err)
	}

	first := newConversion(&aff.ID, "ABC123", "ORD-L", 10000)
	second := newConversion(&aff.ID, "ABC123", "ORD-L", 10000)
	credit := LedgerDelta{Pending: first.CommissionAmount}
	for _, c := range []models.ConversionEvent{first, second} {
		if _, err := db.InsertLegacyConversion(ctx, c, credit); err != nil {
			t.Fatalf("InsertLegacyConversion failed: %v", err)
		}
	}

	assertStats := func(conversions, revenue, pending int64) {
		t.Helper()
		got, err := db.GetAffiliate(ctx, aff.ID, false)
		if err != nil {
			t.Fatalf("GetAffiliate failed: %v", err)
		}
		if got.Stats.TotalConversions != conversions || ToCents(got.Stats.TotalRevenue) != revenue {
			t.Errorf("Expected %d conversions and %d cents, got %d/%s",
				conversions, revenue, got.Stats.TotalConversions, got.Stats.TotalRevenue)
		}
		snap, err := db.GetLedger(ctx, aff.ID)
		if err != nil {
			t.Fatalf("GetLedger failed: %v", err)
		}
		if ToCents(snap.Pending) != pending || !snap.Paid.IsZero() {
			t.Errorf("Expected pending %d cents and no paid, got %s/%s", pending, snap.Pending, snap.Paid)
		}
	}
	assertStats(1, 10000, 1000)

	dup, err := db.GetConversion(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetConversion failed: %v", err)
	}
	ten := decimal.NewFromInt(10)
	if err := db.TransitionConversion(ctx, dup, models.ConversionPaid, LedgerDelta{Pending: ten.Neg(), Paid: ten}, time.Now()); err != nil {
		t.Fatalf("TransitionConversion failed: %v", err)
	}
	dup.Status = models.ConversionPaid
	if err := db.DeleteConversion(ctx, dup, LedgerDelta{Paid: ten.Neg()}); err != nil {
		t.Fatalf("DeleteConversion failed: %v", err)
	}
	// the duplicate never carried money, so moving or removing it changes nothing
	assertStats(1, 10000, 1000)

	// nor does it release the order held by the first row
	ok, err := db.InsertConversionIfAbsent(ctx, newConversion(&aff.ID, "ABC123", "ORD-L", 10000))
	if err != nil || ok {
		t.Errorf("Expected the order to stay claimed, got %v/%v", ok, err)
	}

	holder, err := db.GetConversion(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetConversion failed: %v", err)
	}
	if err := db.DeleteConversion(ctx, holder, credit.Neg()); err != nil {
		t.Fatalf("DeleteConversion failed: %v", err)
	}
	assertStats(0, 0, 0)
}

func TestReconcileAffiliate_CountsEachOrderOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	aff := createAffiliate(t, db, "a@x.com")
	if _, _, err := rotate(db, aff.ID, 0, 0, "ABC123"); err != nil {
		t.Fatalf("RotateLink failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		c := newConversion(&aff.ID, "ABC123", "ORD-L", 10000)
		if _, err := db.InsertLegacyConversion(ctx, c, LedgerDelta{Pending: c.CommissionAmount}); err != nil {
			t.Fatalf("InsertLegacyConversion failed: %v", err)
		}
	}

	out, err := db.ReconcileAffiliate(ctx, aff.ID, true)
	if err != nil {
		t.Fatalf("ReconcileAffiliate failed: %v", err)
	}
	if out.After.TotalConversions != 1 || ToCents(out.After.TotalRevenue) != 10000 {
		t.Errorf("Expected one order worth 10000 cents, got %+v", out.After)
	}
	if ToCents(out.DerivedEarnings.Pending) != 1000 || out.EarningsWritten {
		t.Errorf("Expected derived pending 1000 cents with nothing to repair, got %s/%v",
			out.DerivedEarnings.Pending, out.EarningsWritten)
	}

	link, _ := db.GetActiveLink(ctx, aff.ID)
	if link.Stats.Conversions != 1 || ToCents(link.Stats.Revenue) != 10000 {
		t.Errorf("Expected link stats for one order, got %+v", link.Stats)
	}
}
