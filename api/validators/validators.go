// Package validators decodes and checks request input before it reaches a
// service. Every failure is a VALIDATION error with per-field details.
package validators

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/angelmondragon/bazaar-backend/pkg/errors"
)

// MaxBodyBytes caps JSON request bodies.
const MaxBodyBytes = 1 << 20

var (
	currencyRe = regexp.MustCompile(`^[A-Za-z]{3}$`)
	validate   = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return f.Name
	})
	_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		return currencyRe.MatchString(fl.Field().String())
	})
	// idemkey: 1-255 printable ASCII without whitespace, the shape clients
	// send in the Idempotency-Key header.
	_ = v.RegisterValidation("idemkey", func(fl validator.FieldLevel) bool {
		return ValidIdempotencyKey(fl.Field().String())
	})
	return v
}

// ValidIdempotencyKey reports whether key is usable as a deduplication key.
func ValidIdempotencyKey(key string) bool {
	if key == "" || len(key) > 255 {
		return false
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] > '~' {
			return false
		}
	}
	return true
}

// DecodeJSONBody reads exactly one JSON object into dest, rejecting unknown
// fields and trailing data, then runs the struct's validate tags.
func DecodeJSONBody(r *http.Request, dest any) error {
	defer io.Copy(io.Discard, r.Body)

	decoder := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes+1))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return decodeError(err)
	}
	if decoder.More() {
		return pkgerrors.New(pkgerrors.CodeValidation, "request body must contain a single json object")
	}
	return Struct(dest)
}

// Struct runs the validate tags on v.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed")
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fieldPath(fe)] = message(fe)
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "validation failed").WithDetails(details)
}

func decodeError(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	details := map[string]any{}
	switch {
	case errors.Is(err, io.EOF):
		return pkgerrors.New(pkgerrors.CodeValidation, "request body is empty")
	case errors.Is(err, io.ErrUnexpectedEOF):
		details["error"] = "truncated json"
	case errors.As(err, &syntaxErr):
		details["offset"] = syntaxErr.Offset
	case errors.As(err, &typeErr):
		details[typeErr.Field] = "must be " + typeErr.Type.String()
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		details[strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)] = "is not allowed"
	default:
		details["error"] = err.Error()
	}
	return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid request body").WithDetails(details)
}

// fieldPath drops the top-level struct name: "lines[0].quantity".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "len":
		return fmt.Sprintf("must be exactly %s characters", fe.Param())
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "uuid", "uuid4":
		return "must be a valid uuid"
	case "currency":
		return "must be a three letter ISO 4217 code"
	case "idemkey":
		return "must be 1-255 printable characters without spaces"
	}
	return "is invalid"
}

// ParseQueryInt reads an optional integer query parameter bounded by
// [min, max].
func ParseQueryInt(r *http.Request, key string, defaultVal, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return defaultVal, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter must be numeric").
			WithDetails(map[string]any{"field": key})
	}
	if value < min || value > max {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "query parameter out of range").
			WithDetails(map[string]any{"field": key, "min": min, "max": max})
	}
	return value, nil
}

// SanitizeString trims input, strips control characters and cuts it to
// maxLen runes. maxLen <= 0 means no cut.
func SanitizeString(input string, maxLen int) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' {
			return -1
		}
		return r
	}, strings.TrimSpace(input))
	if maxLen > 0 && utf8.RuneCountInString(cleaned) > maxLen {
		cleaned = string([]rune(cleaned)[:maxLen])
	}
	return strings.TrimSpace(cleaned)
}
