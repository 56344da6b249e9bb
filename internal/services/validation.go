package services

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	apperrors "github.com/leadmarket/backend/internal/errors"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error     string            `json:"error"`               // Error message
	Details   map[string]string `json:"details,omitempty"`   // Validation details
	Required  *int              `json:"required,omitempty"`  // Credits required, on 402
	Available *int              `json:"available,omitempty"` // Credits available, on 402
	Retryable bool              `json:"retryable,omitempty"`
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &ValidationHelper{validator: v}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// Validate is ValidateStruct reporting the first failure as a ValidationError.
func (vh *ValidationHelper) Validate(s any) error {
	err := vh.validator.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if apperrors.As(err, &verrs) && len(verrs) > 0 {
		return apperrors.NewValidationError(verrs[0].Field(), fmt.Sprintf("failed on '%s' tag", verrs[0].Tag()))
	}
	return apperrors.NewValidationError("", err.Error())
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	var verrs validator.ValidationErrors
	if validationErr != nil && apperrors.As(validationErr, &verrs) {
		errorResp.Details = make(map[string]string)
		for _, err := range verrs {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendError maps a service error onto the HTTP error taxonomy. Unexpected
// errors are logged and reported without detail.
func SendError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("[HTTP] Internal error: %v", err)
		SendErrorResponse(w, "Internal server error", status, nil)
		return
	}

	resp := ErrorResponse{Error: err.Error(), Retryable: apperrors.IsRetryable(err)}

	var ve *apperrors.ValidationError
	if apperrors.As(err, &ve) && ve.Field != "" {
		resp.Details = map[string]string{ve.Field: ve.Message}
	}
	var ice *apperrors.InsufficientCreditsError
	if apperrors.As(err, &ice) {
		resp.Required = &ice.Required
		resp.Available = &ice.Available
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
