package changes

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hpungsan/tidings/internal/errors"
)

// MaxCategoryLen is the longest accepted category name.
const MaxCategoryLen = 64

var categoryPattern = regexp.MustCompile(`^[A-Za-z0-9_\- ]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return ValidCategory(fl.Field().String())
	})
	return v
}

// ValidCategory reports whether name can be used as a category. Category names
// become table names and key namespaces, so they are restricted to letters,
// digits, space, underscore and hyphen, without surrounding spaces.
func ValidCategory(name string) bool {
	if name == "" || len(name) > MaxCategoryLen {
		return false
	}
	if strings.TrimSpace(name) != name {
		return false
	}
	return categoryPattern.MatchString(name)
}

// Validate checks a snapshot before it reaches the store.
func Validate(snap Snapshot) error {
	if err := ValidateStruct(snap); err != nil {
		return err
	}
	for i, item := range snap.Items {
		if item.Edited {
			return errors.NewInvalidRequest(fmt.Sprintf("items[%d].edited must not be set on intake", i))
		}
	}
	return nil
}

// ValidateStruct checks v against its validate tags with the shared validator,
// including the "category" tag.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.NewInvalidRequest(err.Error())
	}
	messages := make([]string, 0, len(verrs))
	for _, e := range verrs {
		messages = append(messages, formatFieldError(e))
	}
	return errors.NewInvalidRequest(strings.Join(messages, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, e.Param())
	case "http_url":
		return fmt.Sprintf("%s must be an http(s) URL", field)
	case "category":
		return fmt.Sprintf("%s %q is not a valid category name", field, e.Value())
	default:
		return fmt.Sprintf("%s failed validation for %s", field, e.Tag())
	}
}
