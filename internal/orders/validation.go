package orders

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/joao-fontenele/orderflow-connect/internal/domain"
)

type BillingInput struct {
	Name  string `json:"name" validate:"required,max=120"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone,omitempty" validate:"omitempty,e164"`
}

// CreateOrderInput is the checkout command. UserID comes from the caller's
// identity, not the request body.
type CreateOrderInput struct {
	UserID    string       `json:"-" validate:"required"`
	PlanID    string       `json:"plan_id" validate:"required"`
	Quantity  int          `json:"quantity" validate:"required,min=1,max=10"`
	PromoCode string       `json:"promo_code,omitempty" validate:"omitempty,alphanum,max=32"`
	Billing   BillingInput `json:"billing" validate:"required"`
}

type RefundInput struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

type ReviewInput struct {
	Note string `json:"note" validate:"max=500"`
}

type RejectInput struct {
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

func newValidator() *validatorv10.Validate {
	v := validatorv10.New(validatorv10.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// validate runs struct validation and folds the failures into one
// domain.ErrValidation naming every offending field.
func validate(v *validatorv10.Validate, in any) error {
	err := v.Struct(in)
	if err == nil {
		return nil
	}
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", domain.ErrValidation, strings.Join(fields, "; "))
}
