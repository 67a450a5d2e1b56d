package bill_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-billing/internal/bill"
	"github.com/noah-isme/toko-billing/internal/pricing"
)

var (
	prices = pricing.PriceTable{"Rice": decimal.NewFromInt(50), "Cola": decimal.NewFromInt(40), "Soap": decimal.NewFromInt(25)}
	cats   = map[string]string{"Rice": "Groceries", "Cola": "Drinks", "Soap": "Cosmetics"}
	rate   = decimal.RequireFromString("0.18")
	when   = time.Date(2024, 5, 1, 10, 30, 0, 0, time.FixedZone("IST", 19800))
)

func assemble(t *testing.T, cart pricing.Cart) bill.Record {
	t.Helper()
	totals := pricing.Compute(cart, prices, cats, rate)
	rec, err := bill.Assemble(cart, bill.Customer{Name: " Asha ", Phone: "98765"}, prices, cats, totals, "BILL-20240501-1234", when)
	require.NoError(t, err)
	return rec
}

func TestAssembleOrdersLinesAndCopiesPrices(t *testing.T) {
	rec := assemble(t, pricing.Cart{"Rice": 2, "Cola": 1, "Soap": 0})

	require.Equal(t, "BILL-20240501-1234", rec.BillNumber)
	require.Equal(t, "Asha", rec.Name)
	require.Equal(t, when, rec.CreatedAt)
	require.Len(t, rec.LineItems, 2)
	require.Equal(t, "Cola", rec.LineItems[0].Product)
	require.Equal(t, "Drinks", rec.LineItems[0].Category)
	require.Equal(t, "Rice", rec.LineItems[1].Product)
	require.True(t, rec.LineItems[1].UnitPrice.Equal(decimal.NewFromInt(50)))
	require.True(t, rec.LineItems[1].LineTotal.Equal(decimal.NewFromInt(100)))
	require.NoError(t, rec.Validate())
}

func TestAssembleEmptyCart(t *testing.T) {
	_, err := bill.Assemble(pricing.Cart{"Rice": 0}, bill.Customer{Name: "A", Phone: "1"}, prices, cats, pricing.Totals{}, "BILL-20240501-1234", when)
	require.ErrorIs(t, err, bill.ErrEmptyCart)
	require.ErrorIs(t, err, bill.ErrValidation)

	var verr *bill.ValidationError
	require.True(t, errors.As(err, &verr))
	require.Equal(t, "cart", verr.Fields[0].Field)
}

func TestEmptyCartErrorsAreIndependent(t *testing.T) {
	first := bill.EmptyCart()
	first.Add("customer_name", "is required")

	second := bill.EmptyCart()
	require.Len(t, second.Fields, 1)
	require.ErrorIs(t, second, bill.ErrEmptyCart)

	other := &bill.ValidationError{}
	other.Add("cart", "must not be negative")
	require.NotErrorIs(t, other, bill.ErrEmptyCart)
	require.ErrorIs(t, other, bill.ErrValidation)
}

func TestValidateDetectsSubtotalMismatch(t *testing.T) {
	rec := assemble(t, pricing.Cart{"Rice": 1})
	rec.Totals.Subtotal = decimal.NewFromInt(49)
	require.Error(t, rec.Validate())
}

func TestRecordJSONShape(t *testing.T) {
	rec := assemble(t, pricing.Cart{"Rice": 2, "Cola": 1})
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	require.Equal(t, "Asha", generic["customer_name"])
	require.Equal(t, "98765", generic["phone_number"])
	require.NotContains(t, generic, "corrects")

	var back bill.Record
	require.NoError(t, json.Unmarshal(raw, &back))
	require.True(t, back.Totals.GrandTotal.Equal(rec.Totals.GrandTotal))
	require.True(t, back.CreatedAt.Equal(when))
}

func TestFlattenAndQuantities(t *testing.T) {
	a := assemble(t, pricing.Cart{"Rice": 2, "Cola": 1})
	b := assemble(t, pricing.Cart{"Soap": 4})
	b.BillNumber = "BILL-20240501-5678"

	rows := bill.Flatten(a, b)
	require.Len(t, rows, 3)
	require.Equal(t, "BILL-20240501-1234/Cola", rows[0].Key())
	require.Equal(t, "Asha", rows[2].CustomerName)
	require.Equal(t, 4, rows[2].Quantity)

	require.Equal(t, map[string]int{"Rice": 2, "Cola": 1}, a.Quantities())
	require.Equal(t, "Asha (98765)", a.CustomerKey())
}

func TestValidationErrorMessage(t *testing.T) {
	verr := &bill.ValidationError{}
	require.NoError(t, verr.OrNil())
	verr.Add("customer_name", "is required")
	require.EqualError(t, verr.OrNil(), "bill: validation failed: customer_name: is required")
}
