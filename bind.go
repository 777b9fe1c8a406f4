package nursefi

// Request binding and validation.
//
// JSON bodies and query parameters are decoded into structs and validated with
// go-playground/validator/v10 struct tags.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

type bindContextKey string

const bindConfigKey bindContextKey = "bind_config"

var (
	validate          *validator.Validate
	validateMu        sync.RWMutex
	defaultBindConfig = &bindConfig{formatter: defaultFormatter}
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		if name := strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
}

// MessageFormatter generates human-readable message from validation error.
// Parameters: field name, validation tag, tag parameter (e.g., "10" from "min=10")
type MessageFormatter func(field, tag, param string) string

type bindConfig struct {
	formatter MessageFormatter
}

// BindOption configures the bind middleware.
type BindOption func(*bindConfig)

// BindWithFormatter sets a custom message formatter for validation errors.
func BindWithFormatter(fn MessageFormatter) BindOption {
	return func(c *bindConfig) {
		c.formatter = fn
	}
}

// Binder returns middleware with optional configuration.
func Binder(opts ...BindOption) func(http.Handler) http.Handler {
	cfg := &bindConfig{formatter: defaultFormatter}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), bindConfigKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getBindConfig(ctx context.Context) *bindConfig {
	if cfg, ok := ctx.Value(bindConfigKey).(*bindConfig); ok {
		return cfg
	}
	return defaultBindConfig
}

func defaultFormatter(_, tag, param string) string {
	switch tag {
	case "required":
		return "required"
	case "email":
		return "must be a valid email"
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	case "oneof":
		return "must be one of: " + param
	case "uuid":
		return "must be a valid UUID"
	case "url":
		return "must be a valid URL"
	case "gt":
		return "must be greater than " + param
	case "lte":
		return "must be at most " + param
	default:
		if param != "" {
			return tag + "=" + param
		}
		return tag
	}
}

// JSON decodes request body into dest and validates it.
// dest may point to a struct or to a slice of structs; each element of a slice is
// validated and reported with its index ("[2].amount").
// Returns true if binding and validation succeeded, false otherwise.
// When binding fails, an error is set in the response state (if available).
//
// A body that overflows MaxBodySize during decode yields ErrPayloadTooLarge (413).
// This covers chunked transfers and requests with a missing or wrong Content-Length.
func JSON(r *http.Request, dest any) bool {
	ctx := r.Context()

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil {
		if HasState(ctx) {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				SetError(r, ErrPayloadTooLarge.With("Request body too large"))
			} else {
				SetError(r, ErrBadRequest.With("Invalid JSON request body"))
			}
		}
		return false
	}
	if dec.More() {
		if HasState(ctx) {
			SetError(r, ErrBadRequest.With("Request body must contain a single JSON value"))
		}
		return false
	}

	if fieldErrs := validateValue(dest, getBindConfig(ctx).formatter); len(fieldErrs) > 0 {
		if HasState(ctx) {
			SetError(r, NewValidationError(fieldErrs))
		}
		return false
	}

	return true
}

// Validate runs struct validation on v outside of request binding, for payloads
// decoded in several steps. Returns nil or a validation *APIError.
func Validate(v any) error {
	if fieldErrs := validateValue(v, defaultFormatter); len(fieldErrs) > 0 {
		return NewValidationError(fieldErrs)
	}
	return nil
}

func validateValue(dest any, formatter MessageFormatter) []FieldError {
	rv := reflect.ValueOf(dest)
	for rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Slice {
		validateMu.RLock()
		err := validate.Struct(dest)
		validateMu.RUnlock()
		if err != nil {
			return translateErrors(err, formatter)
		}
		return nil
	}

	var result []FieldError
	for i := range rv.Len() {
		elem := rv.Index(i)
		if elem.Kind() != reflect.Struct && !(elem.Kind() == reflect.Ptr && elem.Elem().Kind() == reflect.Struct) {
			continue
		}
		validateMu.RLock()
		err := validate.Struct(elem.Interface())
		validateMu.RUnlock()
		if err == nil {
			continue
		}
		for _, fe := range translateErrors(err, formatter) {
			fe.Param = fmt.Sprintf("[%d].%s", i, fe.Param)
			result = append(result, fe)
		}
	}
	return result
}

// Query decodes query parameters into dest and validates it.
// Returns true if binding and validation succeeded, false otherwise.
// When validation fails, an error is set in the wrapper context (if available).
func Query(r *http.Request, dest any) bool {
	ctx := r.Context()

	if err := decodeQuery(r, dest); err != nil {
		if HasState(ctx) {
			SetError(r, ErrBadRequest.With("Invalid query parameters"))
		}
		return false
	}

	validateMu.RLock()
	err := validate.Struct(dest)
	validateMu.RUnlock()

	if err != nil {
		if HasState(ctx) {
			cfg := getBindConfig(ctx)
			SetError(r, NewValidationError(translateErrors(err, cfg.formatter)))
		}
		return false
	}

	return true
}

// RegisterCustomType registers fn to convert values of the given types before
// validation, so tags can apply to types such as decimal.Decimal.
// Must be called at startup before handling requests.
func RegisterCustomType(fn validator.CustomTypeFunc, types ...any) {
	validateMu.Lock()
	defer validateMu.Unlock()
	validate.RegisterCustomTypeFunc(fn, types...)
}

// RegisterValidation registers a custom validation function.
// Must be called at startup before handling requests.
func RegisterValidation(tag string, fn validator.Func) error {
	validateMu.Lock()
	defer validateMu.Unlock()
	return validate.RegisterValidation(tag, fn)
}

func translateErrors(err error, formatter MessageFormatter) []FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []FieldError{{
			Param:   "",
			Code:    "validation",
			Message: err.Error(),
		}}
	}
	result := make([]FieldError, len(errs))
	for i, e := range errs {
		result[i] = FieldError{
			Param:   e.Field(),
			Code:    e.Tag(),
			Message: formatter(e.Field(), e.Tag(), e.Param()),
		}
	}
	return result
}

func decodeQuery(r *http.Request, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("dest must be non-nil pointer to struct")
	}
	v := rv.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("dest must be pointer to struct, got pointer to %s", v.Kind())
	}
	t := v.Type()

	query := r.URL.Query()

	for i := range t.NumField() {
		structField := t.Field(i)
		tag := structField.Tag.Get("query")
		if tag == "" || tag == "-" {
			continue
		}

		fieldVal := v.Field(i)
		if !fieldVal.CanSet() {
			continue
		}

		name := strings.SplitN(tag, ",", 2)[0]
		value := query.Get(name)
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
	}

	return nil
}

var timeType = reflect.TypeOf(time.Time{})

func setField(field reflect.Value, value string) error {
	if field.Type() == timeType {
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(t))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		bitSize := field.Type().Bits()
		n, err := strconv.ParseInt(value, 10, bitSize)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		bitSize := field.Type().Bits()
		n, err := strconv.ParseUint(value, 10, bitSize)
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Float32, reflect.Float64:
		bitSize := field.Type().Bits()
		f, err := strconv.ParseFloat(value, bitSize)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported type: %s", field.Kind())
	}
	return nil
}
