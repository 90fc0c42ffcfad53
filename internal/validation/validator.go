// Package validation checks the requests accepted by the node registry.
//
// Struct constraints are declared with go-playground/validator tags on the
// model types; this package runs them and turns the failures into
// field-level errors named after the JSON fields the caller sent.
//
// # Usage Example
//
//	v := validation.New()
//	result := v.ValidatePing(req)
//	if !result.Valid {
//	    for _, e := range result.Errors {
//	        fmt.Printf("%s: %s\n", e.Field, e.Message)
//	    }
//	}
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"evalgo.org/nodereg/models"
)

// Validator runs struct validation for registry requests.
type Validator struct {
	// structValidator validates Go struct constraints and tags
	structValidator *validator.Validate
}

// ValidationError represents a single validation error with field-level details.
type ValidationError struct {
	// Field is the JSON name of the field that failed validation
	Field string `json:"field"`

	// Message describes why the validation failed
	Message string `json:"message"`

	// Value is the invalid value that caused the error (optional)
	Value interface{} `json:"value,omitempty"`
}

// ValidationResult represents the complete result of a validation operation.
type ValidationResult struct {
	// Valid is true if validation passed, false otherwise
	Valid bool `json:"valid"`

	// Errors contains all validation errors found (empty if Valid is true)
	Errors []ValidationError `json:"errors,omitempty"`
}

// Error joins the field errors into one message.
func (r *ValidationResult) Error() string {
	parts := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

// New creates a new Validator that reports JSON field names.
func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return &Validator{structValidator: v}
}

// ValidatePing validates a ping request from a compute node.
func (v *Validator) ValidatePing(req *models.PingRequest) *ValidationResult {
	if req == nil {
		return invalid(ValidationError{Field: "document", Message: "Ping request is required"})
	}
	return v.validateStruct(req)
}

// ValidateNodeSpec validates a node provisioning request.
func (v *Validator) ValidateNodeSpec(spec *models.NodeSpec) *ValidationResult {
	if spec == nil {
		return invalid(ValidationError{Field: "document", Message: "Node spec is required"})
	}
	return v.validateStruct(spec)
}

// ValidateSlurmState validates a scheduler state report.
func (v *Validator) ValidateSlurmState(state string) *ValidationResult {
	if err := v.structValidator.Var(state, "required,printascii,max=64"); err != nil {
		return invalid(ValidationError{
			Field:   "slurm_state",
			Message: "Slurm state must be 1 to 64 printable characters",
			Value:   state,
		})
	}
	return &ValidationResult{Valid: true}
}

func (v *Validator) validateStruct(s interface{}) *ValidationResult {
	err := v.structValidator.Struct(s)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return invalid(ValidationError{Field: "document", Message: err.Error()})
	}

	result := &ValidationResult{Valid: false}
	for _, fe := range fieldErrs {
		result.Errors = append(result.Errors, ValidationError{
			Field:   fe.Field(),
			Message: message(fe),
			Value:   fe.Value(),
		})
	}
	return result
}

// message renders a validator failure as a sentence.
func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "ip":
		return "Invalid IP address format"
	case "hostname":
		return "Invalid hostname"
	case "fqdn":
		return "Invalid domain name"
	default:
		return fmt.Sprintf("Failed %q constraint", fe.Tag())
	}
}

func invalid(errs ...ValidationError) *ValidationResult {
	return &ValidationResult{Valid: false, Errors: errs}
}
