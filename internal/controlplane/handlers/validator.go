package handlers

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/openmined/farmsync/internal/entity"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("entitykind", validateKind)
		_ = v.RegisterValidation("queuestatus", validateQueueStatus)
		validate = v
	})
	return validate
}

func validateStruct(s any) error {
	if err := getValidator().Struct(s); err != nil {
		return errors.New(FormatValidationError(err))
	}
	return nil
}

// FormatValidationError turns validator errors into a short message without Go struct names.
func FormatValidationError(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return "invalid request"
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "entitykind":
			msgs = append(msgs, fmt.Sprintf("%s: unknown entity kind %q", field, e.Value()))
		case "queuestatus":
			msgs = append(msgs, fmt.Sprintf("%s: unknown queue status %q", field, e.Value()))
		case "max", "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, e.Param()))
		case "min", "gte", "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, e.Param()))
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}

func validateKind(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	_, err := entity.ParseKind(s)
	return err == nil
}

func validateQueueStatus(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	_, err := entity.ParseQueueStatus(s)
	return err == nil
}
