package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusConfirmed, StatusPreparing, StatusReady, StatusCompleted, StatusCancelled, StatusFailed}
	valid := map[[2]Status]bool{
		{StatusPending, StatusConfirmed}:   true,
		{StatusPending, StatusCancelled}:   true,
		{StatusPending, StatusFailed}:      true,
		{StatusConfirmed, StatusPreparing}: true,
		{StatusConfirmed, StatusCancelled}: true,
		{StatusPreparing, StatusReady}:     true,
		{StatusPreparing, StatusCancelled}: true,
		{StatusReady, StatusCompleted}:     true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, valid[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusFailed} {
		assert.True(t, s.Terminal(), s)
		assert.Empty(t, AllowedTransitions(s))
	}
	for _, s := range []Status{StatusPending, StatusConfirmed, StatusPreparing, StatusReady} {
		assert.False(t, s.Terminal(), s)
	}
	assert.False(t, Status("shipped").Terminal())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("ready")
	assert.NoError(t, err)
	assert.Equal(t, StatusReady, s)

	_, err = ParseStatus("shipped")
	assert.Error(t, err)
}

func TestOrderVariables(t *testing.T) {
	vars := Order{OrderID: "o-1", CustomerName: "Ann", Amount: 1800, PaymentMethod: "cash"}.Variables()
	assert.Equal(t, "1800.00", vars["amount"])
	assert.Equal(t, "pickup", vars["delivery_address"])
	assert.Equal(t, "o-1", vars["order_id"])
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(1800_00), Cents(1800))
	assert.Equal(t, int64(30), Cents(0.1+0.2))
	assert.Equal(t, Cents(19.99), Cents(19.990000001))
}
