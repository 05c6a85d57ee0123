package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"affiliate-ledger-api/internal/models"
)

var (
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[1-5][0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)

	validate = newValidator()

	maxAmount = decimal.NewFromInt(1_000_000_000)
	hundred   = decimal.NewFromInt(100)
	one       = decimal.NewFromInt(1)
)

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Struct runs the `validate` tags on v and converts the first failure into a
// ValidationError.
func Struct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{
			Field:   fe.Field(),
			Message: describeTag(fe),
		}
	}

	return &ValidationError{Field: "request", Message: err.Error()}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "max":
		return fmt.Sprintf("must be at most %s long", fe.Param())
	case "min":
		return fmt.Sprintf("must contain at least %s entries", fe.Param())
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "alpha":
		return "must contain letters only"
	}
	return fmt.Sprintf("failed '%s' check", fe.Tag())
}

// ValidateOrderEvent checks an order event before attribution. Nothing is
// written when it fails.
func ValidateOrderEvent(evt models.OrderEvent) error {
	if err := Struct(evt); err != nil {
		return err
	}

	if err := ValidateCurrency(evt.Currency); err != nil {
		return err
	}

	if evt.Amount.IsNegative() {
		return &ValidationError{
			Field:   "amount",
			Message: "must be non-negative",
		}
	}

	if evt.Amount.GreaterThan(maxAmount) {
		return &ValidationError{
			Field:   "amount",
			Message: "exceeds maximum allowed amount",
		}
	}

	if !evt.Amount.Equal(evt.Amount.Round(2)) {
		return &ValidationError{
			Field:   "amount",
			Message: "must have at most 2 decimal places",
		}
	}

	for i, name := range evt.ProductNames {
		if len(name) > 512 {
			return &ValidationError{
				Field:   fmt.Sprintf("product_names[%d]", i),
				Message: "must be at most 512 long",
			}
		}
	}

	return nil
}

// ValidateRate checks a commission rate set by an operator. The attribution
// path does not call this; it skips out-of-range candidates instead.
func ValidateRate(rate decimal.Decimal, fieldName string) error {
	if !InRateRange(rate) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be between 0 and 1",
		}
	}
	return nil
}

// InRateRange reports whether rate lies in [0, 1].
func InRateRange(rate decimal.Decimal) bool {
	return !rate.IsNegative() && !rate.GreaterThan(one)
}

// ValidateDiscountPercent checks a cart-share discount percentage.
func ValidateDiscountPercent(p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(hundred) {
		return &ValidationError{
			Field:   "cart_discount_percent",
			Message: "must be between 0 and 100",
		}
	}
	return nil
}

// ValidateCurrency checks an ISO 4217 code. Input is expected upper-cased.
func ValidateCurrency(code string) error {
	if !currencyRegex.MatchString(code) {
		return &ValidationError{
			Field:   "currency",
			Message: "must be a 3-letter ISO 4217 code",
		}
	}
	return nil
}

// ValidateStatus checks a requested conversion status.
func ValidateStatus(s models.ConversionStatus) error {
	if !s.Valid() {
		return &ValidationError{
			Field:   "status",
			Message: "must be one of pending, paid, rejected",
		}
	}
	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// NormalizeEmail lower-cases an address and strips all whitespace so that
// " A@X.com " and "a@x.com" compare equal.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.Join(strings.Fields(email), ""))
}

// NormalizeCurrency trims and upper-cases a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(SanitizeString(code))
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID",
		}
	}

	return nil
}

// ValidateRequired rejects empty identifiers.
func ValidateRequired(value, fieldName string) error {
	if SanitizeString(value) == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}
	return nil
}

// ValidateLinkMetadata bounds the free-form metadata attached to a link.
func ValidateLinkMetadata(m map[string]string) error {
	if len(m) > 20 {
		return &ValidationError{
			Field:   "metadata",
			Message: "must have at most 20 entries",
		}
	}
	for k, v := range m {
		if k == "" || len(k) > 64 {
			return &ValidationError{
				Field:   "metadata",
				Message: "keys must be 1 to 64 characters",
			}
		}
		if len(v) > 512 {
			return &ValidationError{
				Field:   "metadata." + k,
				Message: "must be at most 512 long",
			}
		}
	}
	return nil
}
