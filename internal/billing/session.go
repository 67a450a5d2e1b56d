// Package billing turns a checkout session into a persisted bill and keeps
// stock, reports, exports and receipts in step with it.
package billing

import (
	"errors"
	"fmt"
	"strings"

	validator "github.com/go-playground/validator/v10"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/pricing"
)

// Session is the input of one checkout: who is buying and how many of each
// product. It replaces any form or UI state and is passed explicitly.
type Session struct {
	Customer bill.Customer `json:"customer"`
	Cart     pricing.Cart  `json:"cart" validate:"required,dive,keys,required,endkeys,gte=0"`
}

// NewValidator returns the validator used for sessions.
func NewValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// Normalize trims customer fields and cart keys. Duplicate product names
// after trimming are summed unless one of them is negative, in which case the
// most negative quantity is kept so Validate still rejects it.
func (s Session) Normalize() Session {
	out := Session{
		Customer: bill.Customer{
			Name:  strings.TrimSpace(s.Customer.Name),
			Phone: strings.TrimSpace(s.Customer.Phone),
			Email: strings.TrimSpace(s.Customer.Email),
		},
		Cart: make(pricing.Cart, len(s.Cart)),
	}
	for product, qty := range s.Cart {
		key := strings.TrimSpace(product)
		prev, seen := out.Cart[key]
		switch {
		case !seen:
			out.Cart[key] = qty
		case prev < 0 || qty < 0:
			out.Cart[key] = min(prev, qty)
		default:
			out.Cart[key] = prev + qty
		}
	}
	return out
}

// Validate checks the normalized session and returns a *bill.ValidationError
// listing every rejected field.
func (s Session) Validate(v *validator.Validate) error {
	if v == nil {
		v = NewValidator()
	}
	verr := &bill.ValidationError{}
	if err := v.Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate session: %w", err)
		}
		for _, fe := range fieldErrs {
			verr.Add(fieldName(fe), fieldMessage(fe))
		}
	}
	if len(verr.Fields) == 0 && !s.Cart.HasItems() {
		return bill.EmptyCart()
	}
	return verr.OrNil()
}

func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	switch {
	case ns == "Customer.Name":
		return "customer_name"
	case ns == "Customer.Phone":
		return "phone_number"
	case ns == "Customer.Email":
		return "email"
	case strings.HasPrefix(ns, "Cart"):
		return "cart" + strings.TrimPrefix(ns, "Cart")
	}
	return strings.ToLower(ns)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must not be negative"
	case "email":
		return "must be a valid email address"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "is invalid (" + fe.Tag() + ")"
}
