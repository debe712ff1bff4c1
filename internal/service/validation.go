package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"sorteo/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var inputValidator = newInputValidator()

func newInputValidator() *validator.Validate {
	v := validator.New()

	// Report fields by their JSON names so messages line up with the body.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	mustRegister(v, "decimal_positive", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	mustRegister(v, "ticket_price", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && !d.GreaterThan(maxTicketPrice) && d.Equal(d.Round(2))
	})
	mustRegister(v, "bank", func(fl validator.FieldLevel) bool {
		_, ok := models.Banks[fl.Field().String()]
		return ok
	})
	mustRegister(v, "ci_type", func(fl validator.FieldLevel) bool {
		_, ok := models.CITypes[fl.Field().String()]
		return ok
	})
	mustRegister(v, "raffle_state", func(fl validator.FieldLevel) bool {
		return models.RaffleState(fl.Field().String()).Valid()
	})

	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// checkStruct runs the validate tags of in. The result is never nil so
// callers can add rules the tags cannot express before calling orNil.
func checkStruct(in interface{}) *ValidationError {
	verr := &ValidationError{}

	var fieldErrs validator.ValidationErrors
	err := inputValidator.Struct(in)
	switch {
	case err == nil:
	case errors.As(err, &fieldErrs):
		for _, fe := range fieldErrs {
			verr.add(fe.Field(), fieldMessage(fe))
		}
	default:
		verr.add("body", err.Error())
	}
	return verr
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return "invalid email address"
	case "number":
		return "must contain only digits"
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "ci_type":
		return "must be one of V, E or J"
	case "bank":
		return "unknown bank code"
	case "decimal_positive":
		return "must be positive"
	case "ticket_price":
		return "must be at most " + maxTicketPrice.StringFixed(2) + " with two decimals"
	case "raffle_state":
		return "unknown raffle state"
	default:
		return "is invalid"
	}
}
