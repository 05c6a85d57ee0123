package validation

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/models"
)

func validOrder() models.OrderEvent {
	return models.OrderEvent{
		ShortCode: "ABC123",
		OrderID:   "ORD-1",
		Amount:    decimal.RequireFromString("100.00"),
		Currency:  "USD",
	}
}

func TestValidateOrderEvent(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.OrderEvent)
		field  string
	}{
		{"valid", func(*models.OrderEvent) {}, ""},
		{"zero amount", func(e *models.OrderEvent) { e.Amount = decimal.Zero }, ""},
		{"missing short code", func(e *models.OrderEvent) { e.ShortCode = "" }, "short_code"},
		{"missing order id", func(e *models.OrderEvent) { e.OrderID = "" }, "order_id"},
		{"lower-case currency", func(e *models.OrderEvent) { e.Currency = "usd" }, "currency"},
		{"negative amount", func(e *models.OrderEvent) { e.Amount = decimal.NewFromInt(-1) }, "amount"},
		{"too many decimals", func(e *models.OrderEvent) { e.Amount = decimal.RequireFromString("1.001") }, "amount"},
		{"over maximum", func(e *models.OrderEvent) { e.Amount = decimal.NewFromInt(2_000_000_000) }, "amount"},
		{"long product name", func(e *models.OrderEvent) { e.ProductNames = []string{strings.Repeat("x", 513)} }, "product_names[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := validOrder()
			tt.mutate(&evt)
			err := ValidateOrderEvent(evt)

			if tt.field == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Expected field %s, got %s", tt.field, ve.Field)
			}
		})
	}
}

func TestStruct_ReportsJSONFieldNames(t *testing.T) {
	err := Struct(models.EnrollAffiliateRequest{StoreID: "s1", Email: "not-an-email"})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if ve.Field != "email" || ve.Message != "must be a valid email address" {
		t.Errorf("Unexpected error: %+v", ve)
	}

	err = Struct(models.BulkTransitionRequest{Status: models.ConversionPaid})
	if !errors.As(err, &ve) || ve.Field != "conversion_ids" {
		t.Errorf("Expected conversion_ids error, got %v", err)
	}
}

func TestRateRanges(t *testing.T) {
	for _, s := range []string{"0", "0.1", "1"} {
		if err := ValidateRate(decimal.RequireFromString(s), "rate"); err != nil {
			t.Errorf("ValidateRate(%s) = %v", s, err)
		}
	}
	for _, s := range []string{"-0.01", "1.0001"} {
		if InRateRange(decimal.RequireFromString(s)) {
			t.Errorf("InRateRange(%s) should be false", s)
		}
	}
	if err := ValidateDiscountPercent(decimal.NewFromInt(101)); !IsValidationError(err) {
		t.Errorf("Expected discount over 100 to fail, got %v", err)
	}
}

func TestNormalizeEmail(t *testing.T) {
	if NormalizeEmail("  A@X.com ") != NormalizeEmail("a@x.com") {
		t.Error("Expected case and whitespace to be ignored")
	}
	if NormalizeEmail("a@x.com") == NormalizeEmail("b@x.com") {
		t.Error("Expected different addresses to differ")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  ORD\x00-1\x07 "); got != "ORD-1" {
		t.Errorf("SanitizeString() = %q", got)
	}
	if got := NormalizeCurrency(" eur "); got != "EUR" {
		t.Errorf("NormalizeCurrency() = %q", got)
	}
}

func TestValidateLinkMetadata(t *testing.T) {
	if err := ValidateLinkMetadata(map[string]string{"campaign": "spring"}); err != nil {
		t.Errorf("Expected metadata to pass, got %v", err)
	}

	tooMany := make(map[string]string, 21)
	for i := 0; i < 21; i++ {
		tooMany[fmt.Sprintf("k%d", i)] = "v"
	}
	if err := ValidateLinkMetadata(tooMany); !IsValidationError(err) {
		t.Errorf("Expected 21 entries to fail, got %v", err)
	}
	if err := ValidateLinkMetadata(map[string]string{"": "v"}); !IsValidationError(err) {
		t.Errorf("Expected empty key to fail, got %v", err)
	}
}

func TestIsValidationError_Wrapped(t *testing.T) {
	err := fmt.Errorf("row 3: %w", &ValidationError{Field: "order_id", Message: "is required"})
	if !IsValidationError(errors.Join(errors.New("other"), err)) {
		t.Error("Expected wrapped and joined ValidationError to be detected")
	}
	if IsValidationError(errors.New("plain")) {
		t.Error("Expected plain error not to match")
	}
}
