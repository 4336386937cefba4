package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/okello/farmdirect/internal/database"
	"github.com/okello/farmdirect/internal/models"
)

// statusTransitions is the full lifecycle: the forward path
// pending -> confirmed -> shipped -> delivered, with cancellation allowed
// until the order ships. Delivered and cancelled are terminal.
var statusTransitions = map[string][]string{
	models.OrderStatusPending:   {models.OrderStatusConfirmed, models.OrderStatusCancelled},
	models.OrderStatusConfirmed: {models.OrderStatusShipped, models.OrderStatusCancelled},
	models.OrderStatusShipped:   {models.OrderStatusDelivered},
	models.OrderStatusDelivered: {},
	models.OrderStatusCancelled: {},
}

// CanTransition reports whether target is a legal next status from
// current.
func CanTransition(current, target string) bool {
	for _, allowed := range statusTransitions[current] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsValidStatus reports whether s names any lifecycle status.
func IsValidStatus(s string) bool {
	_, ok := statusTransitions[s]
	return ok
}

func statusMessage(orderNumber, status string) string {
	switch status {
	case models.OrderStatusConfirmed:
		return fmt.Sprintf("Your order %s has been confirmed by the farmer.", orderNumber)
	case models.OrderStatusShipped:
		return fmt.Sprintf("Your order %s is on its way.", orderNumber)
	case models.OrderStatusDelivered:
		return fmt.Sprintf("Your order %s has been delivered. Enjoy!", orderNumber)
	case models.OrderStatusCancelled:
		return fmt.Sprintf("Your order %s has been cancelled.", orderNumber)
	default:
		return fmt.Sprintf("Your order %s status was updated to %s.", orderNumber, status)
	}
}

// AdvanceOrderStatus moves an order along its lifecycle on behalf of a
// farmer. The order row is locked before validation so two farmers racing
// on the same order serialize: the loser revalidates against the status
// the winner persisted. On success the order's consumer is notified in the
// same transaction.
func AdvanceOrderStatus(ctx context.Context, db *sql.DB, orderID int64, target string, farmerID int64) (*models.Order, error) {
	if !IsValidStatus(target) {
		return nil, database.ErrInvalidTransition
	}

	var order *models.Order

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var consumerID int64
		var orderNumber, current string
		err := tx.QueryRowContext(ctx,
			`SELECT consumer_id, order_number, status
			 FROM orders
			 WHERE id = $1
			 FOR UPDATE`,
			orderID).Scan(&consumerID, &orderNumber, &current)
		if err != nil {
			if err == sql.ErrNoRows {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		var supplies bool
		err = tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM order_items WHERE order_id = $1 AND farmer_id = $2)`,
			orderID, farmerID).Scan(&supplies)
		if err != nil {
			return fmt.Errorf("check farmer items: %w", err)
		}
		if !supplies {
			return database.ErrUnauthorized
		}

		if !CanTransition(current, target) {
			return fmt.Errorf("%w: %s -> %s", database.ErrInvalidTransition, current, target)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1, version = version + 1, updated_at = NOW()
			 WHERE id = $2`,
			target, orderID)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}

		err = createNotification(ctx, tx, consumerID, models.NotificationTypeOrderStatus,
			"Order "+target, statusMessage(orderNumber, target),
			sql.NullInt64{Int64: orderID, Valid: true})
		if err != nil {
			return err
		}

		order = &models.Order{ID: orderID}
		err = tx.QueryRowContext(ctx,
			`SELECT consumer_id, order_number, status, total_amount, created_at, updated_at, version
			 FROM orders WHERE id = $1`,
			orderID).Scan(
			&order.ConsumerID,
			&order.OrderNumber,
			&order.Status,
			&order.TotalAmount,
			&order.CreatedAt,
			&order.UpdatedAt,
			&order.Version,
		)
		if err != nil {
			return fmt.Errorf("fetch updated order: %w", err)
		}

		items, err := getOrderItemsTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		order.Items = items

		return nil
	})

	if err != nil {
		return nil, err
	}

	return order, nil
}

// NextPendingOrder claims the oldest pending order containing the farmer's
// lines, skipping orders another worker already holds. Used by fulfillment
// tooling that processes confirmations in arrival order.
func NextPendingOrder(ctx context.Context, tx *sql.Tx, farmerID int64) (*models.Order, error) {
	order := &models.Order{}

	query := `
		SELECT o.id, o.consumer_id, o.order_number, o.status, o.total_amount, o.created_at, o.updated_at, o.version
		FROM orders o
		WHERE o.status = $1
		  AND EXISTS(SELECT 1 FROM order_items oi WHERE oi.order_id = o.id AND oi.farmer_id = $2)
		ORDER BY o.created_at
		FOR UPDATE OF o SKIP LOCKED
		LIMIT 1`

	err := tx.QueryRowContext(ctx, query, models.OrderStatusPending, farmerID).Scan(
		&order.ID,
		&order.ConsumerID,
		&order.OrderNumber,
		&order.Status,
		&order.TotalAmount,
		&order.CreatedAt,
		&order.UpdatedAt,
		&order.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get next pending order: %w", err)
	}

	return order, nil
}
