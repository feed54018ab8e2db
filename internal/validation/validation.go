// Package validation enforces structural rules on registration and login
// payloads.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/authgate/authgate-go/internal/model"
)

// FieldError describes one offending field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + " " + e.Reason
}

// Errors is returned for any rejected payload. It is never empty.
type Errors []*FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Fields groups reasons by field name, the shape used in JSON responses.
func (e Errors) Fields() map[string][]string {
	out := make(map[string][]string, len(e))
	for _, fe := range e {
		out[fe.Field] = append(out[fe.Field], fe.Reason)
	}
	return out
}

// Validator checks register and login payloads.
type Validator struct {
	v         *validator.Validate
	minLength int
}

// New returns a Validator requiring passwords of at least minPasswordLength
// characters at registration.
func New(minPasswordLength int) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	val := &Validator{v: v, minLength: minPasswordLength}
	_ = v.RegisterValidation("password_min", func(fl validator.FieldLevel) bool {
		return utf8.RuneCountInString(fl.Field().String()) >= val.minLength
	})
	_ = v.RegisterValidation("password_complexity", func(fl validator.FieldLevel) bool {
		return complexEnough(fl.Field().String())
	})
	return val
}

// ValidateRegister checks a registration payload.
func (v *Validator) ValidateRegister(req model.RegisterRequest) error {
	return v.check(req)
}

// ValidateLogin checks a login payload. Password complexity is not
// re-checked at login.
func (v *Validator) ValidateLogin(req model.LoginRequest) error {
	return v.check(req)
}

// ValidateEmail checks a single address under the email field, e.g. one
// that sanitization has rewritten.
func (v *Validator) ValidateEmail(email string) error {
	err := v.v.Var(email, "required,email,max=255")
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	return Single("email", v.reason(verrs[0]))
}

func (v *Validator) check(payload any) error {
	err := v.v.Struct(payload)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := make(Errors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, &FieldError{Field: fe.Field(), Reason: v.reason(fe)})
	}
	return out
}

func (v *Validator) reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("may not be greater than %s characters", fe.Param())
	case "password_min":
		return fmt.Sprintf("must be at least %d characters", v.minLength)
	case "password_complexity":
		return "must contain upper and lower case letters, a number and a symbol"
	default:
		return "is invalid"
	}
}

func complexEnough(s string) bool {
	var upper, lower, digit, symbol bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	return upper && lower && digit && symbol
}

// Taken is the error reported when a registration email already exists.
func Taken(field string) Errors {
	return Errors{{Field: field, Reason: "has already been taken"}}
}

// Single builds a one-field error.
func Single(field, reason string) Errors {
	return Errors{{Field: field, Reason: reason}}
}
