// Package validation decodes and validates JSON request bodies with
// struct-tag rules.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	apierrors "fathomos/internal/errors"
)

// maxBodyBytes bounds request bodies; license payloads and sync batches
// stay well under this.
const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// FieldError describes one failed validation rule.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// DecodeAndValidate reads the JSON body into dst and applies its
// validation tags. The returned *APIError is ready to render.
func DecodeAndValidate(r *http.Request, dst any) *apierrors.APIError {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apierrors.ErrInvalidRequest.WithHint("Could not read request body.")
	}
	if len(body) == 0 {
		return apierrors.ErrInvalidRequest.WithHint("Request body must not be empty.")
	}

	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return apierrors.ErrInvalidRequest.WithHint(decodeHint(err))
	}

	return Struct(dst)
}

// Struct validates dst's tags without decoding.
func Struct(dst any) *apierrors.APIError {
	err := validate.Struct(dst)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return apierrors.ErrInternalServer
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
		}
		return apierrors.ErrValidationFailed.WithDetails(fields)
	}
	return apierrors.ErrValidationFailed
}

func decodeHint(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("Field %q must be of type %s.", typeErr.Field, typeErr.Type)
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return fmt.Sprintf("Malformed JSON at offset %d.", syntaxErr.Offset)
	}
	if strings.HasPrefix(err.Error(), "json: unknown field") {
		return "Request contains an unknown field: " + strings.TrimPrefix(err.Error(), "json: unknown field ")
	}
	return "Request body is not valid JSON."
}
