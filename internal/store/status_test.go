package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/okello/farmdirect/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    string
		to      string
		allowed bool
	}{
		{"pending to confirmed", models.OrderStatusPending, models.OrderStatusConfirmed, true},
		{"pending to cancelled", models.OrderStatusPending, models.OrderStatusCancelled, true},
		{"pending to shipped skips confirmed", models.OrderStatusPending, models.OrderStatusShipped, false},
		{"pending to delivered skips two", models.OrderStatusPending, models.OrderStatusDelivered, false},
		{"confirmed to shipped", models.OrderStatusConfirmed, models.OrderStatusShipped, true},
		{"confirmed to cancelled", models.OrderStatusConfirmed, models.OrderStatusCancelled, true},
		{"confirmed to delivered skips shipped", models.OrderStatusConfirmed, models.OrderStatusDelivered, false},
		{"shipped to delivered", models.OrderStatusShipped, models.OrderStatusDelivered, true},
		{"shipped to cancelled too late", models.OrderStatusShipped, models.OrderStatusCancelled, false},
		{"no backward move", models.OrderStatusConfirmed, models.OrderStatusPending, false},
		{"delivered is terminal", models.OrderStatusDelivered, models.OrderStatusCancelled, false},
		{"cancelled is terminal", models.OrderStatusCancelled, models.OrderStatusConfirmed, false},
		{"self transition rejected", models.OrderStatusPending, models.OrderStatusPending, false},
		{"unknown source", "refunded", models.OrderStatusConfirmed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range []string{
		models.OrderStatusPending,
		models.OrderStatusConfirmed,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
		models.OrderStatusCancelled,
	} {
		assert.True(t, IsValidStatus(s), s)
	}

	assert.False(t, IsValidStatus("refunded"))
	assert.False(t, IsValidStatus(""))
	assert.False(t, IsValidStatus("PENDING"))
}

func TestStatusMessage(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range []string{
		models.OrderStatusConfirmed,
		models.OrderStatusShipped,
		models.OrderStatusDelivered,
		models.OrderStatusCancelled,
	} {
		msg := statusMessage("ORD-ABC12345", s)
		assert.Contains(t, msg, "ORD-ABC12345")
		assert.False(t, seen[msg], "each status needs a distinct message")
		seen[msg] = true
	}

	fallback := statusMessage("ORD-ABC12345", "on_hold")
	assert.Contains(t, fallback, "on_hold")
	assert.True(t, strings.Contains(fallback, "updated"))
}
