package models

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names so messages match what clients sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs tag validation and flattens the first failure into a readable error.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", fe.Field())
	case "oneof":
		return fmt.Errorf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "gt":
		return fmt.Errorf("%s must be greater than %s", fe.Field(), fe.Param())
	case "gte", "lte":
		return fmt.Errorf("%s must be between 0 and 1", fe.Field())
	case "max":
		return fmt.Errorf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%s failed %s check", fe.Field(), fe.Tag())
	}
}
