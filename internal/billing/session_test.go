package billing_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/billing"
	"github.com/noah-isme/toko-billing/internal/pricing"
)

func TestNormalizeSumsTrimmedDuplicates(t *testing.T) {
	s := billing.Session{
		Customer: bill.Customer{Name: " Asha ", Phone: " 98765 "},
		Cart:     pricing.Cart{"Rice": 2, " Rice ": 3, "Cola": 1},
	}.Normalize()

	require.Equal(t, "Asha", s.Customer.Name)
	require.Equal(t, "98765", s.Customer.Phone)
	require.Equal(t, pricing.Cart{"Rice": 5, "Cola": 1}, s.Cart)
	require.NoError(t, s.Validate(nil))
}

func TestNormalizeKeepsNegativeQuantityVisible(t *testing.T) {
	customer := bill.Customer{Name: "Asha", Phone: "98765"}
	carts := []pricing.Cart{
		{"Rice": -5, " Rice": 6},
		{" Rice": 6, "Rice ": -1},
		{"Rice": -2, " Rice ": -3},
	}
	for _, cart := range carts {
		s := billing.Session{Customer: customer, Cart: cart}.Normalize()
		err := s.Validate(nil)
		require.ErrorIs(t, err, bill.ErrValidation, "cart %v", cart)

		var verr *bill.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "cart[Rice]", verr.Fields[0].Field)
		require.Equal(t, "must not be negative", verr.Fields[0].Message)
	}
}

func TestNormalizeRejectsBlankProduct(t *testing.T) {
	s := billing.Session{
		Customer: bill.Customer{Name: "Asha", Phone: "98765"},
		Cart:     pricing.Cart{"   ": 2, "Rice": 1},
	}.Normalize()
	require.ErrorIs(t, s.Validate(nil), bill.ErrValidation)
}
