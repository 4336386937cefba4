package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/okello/farmdirect/internal/config"
	"github.com/okello/farmdirect/internal/database"
	"github.com/okello/farmdirect/internal/metrics"
	"github.com/okello/farmdirect/internal/models"
	"github.com/okello/farmdirect/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := newLogger(cfg.Log)

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	logger.Info().Msg("connected to database")

	m := metrics.NewServerMetrics()

	r := chi.NewRouter()
	r.Use(requestLogger(logger, m))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	r.Post("/users", handleCreateUser(db))
	r.Get("/users", handleListUsers(db))
	r.Get("/users/{id}", handleGetUser(db))

	r.Post("/products", handleCreateProduct(db))
	r.Get("/products", handleListProducts(db))
	r.Get("/products/{id}", handleGetProduct(db))

	r.Get("/cart", handleGetCart(db))
	r.Post("/cart/items", handleAddCartItem(db))
	r.Put("/cart/items/{productID}", handleUpdateCartItem(db))
	r.Delete("/cart/items/{productID}", handleRemoveCartItem(db))

	r.Post("/orders", handlePlaceOrder(db, logger))
	r.Get("/orders", handleListOrders(db))
	r.Get("/orders/{id}", handleGetOrder(db))
	r.Post("/orders/{id}/status", handleAdvanceStatus(db, logger))

	r.Get("/notifications", handleListNotifications(db))
	r.Post("/notifications/{id}/read", handleMarkNotificationRead(db))
	r.Post("/notifications/read-all", handleMarkAllRead(db))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info().Str("port", cfg.Server.Port).Msg("server starting")
	if err := server.ListenAndServe(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	return logger.Level(level).With().Timestamp().Str("service", "farmdirect-api").Logger()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(logger zerolog.Logger, m *metrics.ServerMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			pattern := chi.RouteContext(r.Context()).RoutePattern()
			duration := time.Since(start)

			m.Record(pattern, recorder.status, duration)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", recorder.status).
				Dur("duration", duration).
				Msg("request")
		})
	}
}

func handleCreateUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email string `json:"email"`
			Name  string `json:"name"`
			Role  string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
		if req.Role != models.RoleConsumer && req.Role != models.RoleFarmer {
			respondError(w, http.StatusBadRequest, "invalid_request", "Role must be consumer or farmer")
			return
		}

		user, err := store.CreateUser(r.Context(), db, req.Email, req.Name, req.Role)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, user)
	}
}

func handleGetUser(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid user ID")
			return
		}

		user, err := store.GetUser(r.Context(), db, id)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, user)
	}
}

func handleListUsers(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := pageParams(r)

		result, err := store.ListUsers(r.Context(), db, page, pageSize)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleCreateProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FarmerID    int64   `json:"farmer_id"`
			SKU         string  `json:"sku"`
			Name        string  `json:"name"`
			Description string  `json:"description"`
			Unit        string  `json:"unit"`
			Price       float64 `json:"price"`
			Stock       int     `json:"stock"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
		if req.Price < 0 || req.Stock < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "Price and stock must be non-negative")
			return
		}

		product, err := store.CreateProduct(r.Context(), db, store.CreateProductRequest{
			FarmerID:    req.FarmerID,
			SKU:         req.SKU,
			Name:        req.Name,
			Description: req.Description,
			Unit:        req.Unit,
			Price:       decimal.NewFromFloat(req.Price),
			Stock:       req.Stock,
		})
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, product)
	}
}

func handleGetProduct(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid product ID")
			return
		}

		product, err := store.GetProduct(r.Context(), db, id)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, product)
	}
}

func handleListProducts(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page, pageSize := pageParams(r)

		result, err := store.ListProducts(r.Context(), db, page, pageSize)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleGetCart(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumerID, err := queryID(r, "consumer_id")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Missing or invalid consumer_id")
			return
		}

		cart, err := store.GetCart(r.Context(), db, consumerID)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, cart)
	}
}

func handleAddCartItem(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConsumerID int64 `json:"consumer_id"`
			ProductID  int64 `json:"product_id"`
			Quantity   int   `json:"quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}

		cart, err := store.AddCartItem(r.Context(), db, req.ConsumerID, req.ProductID, req.Quantity)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, cart)
	}
}

func handleUpdateCartItem(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, err := pathID(r, "productID")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid product ID")
			return
		}

		var req struct {
			ConsumerID int64 `json:"consumer_id"`
			Quantity   int   `json:"quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}

		cart, err := store.UpdateCartItem(r.Context(), db, req.ConsumerID, productID, req.Quantity)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, cart)
	}
}

func handleRemoveCartItem(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productID, err := pathID(r, "productID")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid product ID")
			return
		}

		consumerID, err := queryID(r, "consumer_id")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Missing or invalid consumer_id")
			return
		}

		cart, err := store.RemoveCartItem(r.Context(), db, consumerID, productID)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, cart)
	}
}

func handlePlaceOrder(db *sql.DB, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ConsumerID int64 `json:"consumer_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}

		order, err := store.PlaceOrder(r.Context(), db, req.ConsumerID)
		if err != nil {
			logger.Warn().Err(err).Int64("consumer_id", req.ConsumerID).Msg("place order failed")
			respondDomainError(w, err)
			return
		}

		logger.Info().
			Int64("order_id", order.ID).
			Str("order_number", order.OrderNumber).
			Str("total", order.TotalAmount.String()).
			Msg("order placed")
		respondJSON(w, http.StatusCreated, order)
	}
}

func handleGetOrder(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid order ID")
			return
		}

		order, err := store.GetOrder(r.Context(), db, id)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, order)
	}
}

func handleListOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		consumerParam := r.URL.Query().Get("consumer_id")
		farmerParam := r.URL.Query().Get("farmer_id")

		if (consumerParam == "") == (farmerParam == "") {
			respondError(w, http.StatusBadRequest, "invalid_request", "Exactly one of consumer_id or farmer_id is required")
			return
		}

		cursor := r.URL.Query().Get("cursor")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit < 1 || limit > 100 {
			limit = 20
		}

		var result *store.CursorPage
		var err error
		if consumerParam != "" {
			var consumerID int64
			consumerID, err = strconv.ParseInt(consumerParam, 10, 64)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid_request", "Invalid consumer_id")
				return
			}
			result, err = store.ListConsumerOrders(r.Context(), db, consumerID, cursor, limit)
		} else {
			var farmerID int64
			farmerID, err = strconv.ParseInt(farmerParam, 10, 64)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid_request", "Invalid farmer_id")
				return
			}
			result, err = store.ListFarmerOrders(r.Context(), db, farmerID, cursor, limit)
		}
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleAdvanceStatus(db *sql.DB, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orderID, err := pathID(r, "id")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid order ID")
			return
		}

		var req struct {
			Status   string `json:"status"`
			FarmerID int64  `json:"farmer_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}

		order, err := store.AdvanceOrderStatus(r.Context(), db, orderID, req.Status, req.FarmerID)
		if err != nil {
			logger.Warn().Err(err).
				Int64("order_id", orderID).
				Str("target", req.Status).
				Int64("farmer_id", req.FarmerID).
				Msg("status change rejected")
			respondDomainError(w, err)
			return
		}

		logger.Info().
			Int64("order_id", order.ID).
			Str("status", order.Status).
			Msg("order status advanced")
		respondJSON(w, http.StatusOK, order)
	}
}

func handleListNotifications(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recipientID, err := queryID(r, "recipient_id")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Missing or invalid recipient_id")
			return
		}

		unreadOnly := r.URL.Query().Get("unread") == "true"
		cursor := r.URL.Query().Get("cursor")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit < 1 || limit > 100 {
			limit = 20
		}

		result, err := store.ListNotifications(r.Context(), db, recipientID, unreadOnly, cursor, limit)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleMarkNotificationRead(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID")
			return
		}

		var req struct {
			RecipientID int64 `json:"recipient_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}

		if err := store.MarkNotificationRead(r.Context(), db, id, req.RecipientID); err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]bool{"read": true})
	}
}

func handleMarkAllRead(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RecipientID int64 `json:"recipient_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}

		count, err := store.MarkAllNotificationsRead(r.Context(), db, req.RecipientID)
		if err != nil {
			respondDomainError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, map[string]int64{"marked_read": count})
	}
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func queryID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// respondDomainError maps store errors onto HTTP statuses and stable error
// codes so callers can branch on the specific failure reason.
func respondDomainError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal error"
	}
	respondError(w, status, code, message)
}

func classify(err error) (string, int) {
	switch {
	case errors.Is(err, database.ErrInvalidQuantity):
		return "invalid_quantity", http.StatusBadRequest
	case errors.Is(err, database.ErrUnauthorized):
		return "unauthorized", http.StatusForbidden
	case errors.Is(err, database.ErrUserNotFound):
		return "user_not_found", http.StatusNotFound
	case errors.Is(err, database.ErrProductNotFound):
		return "product_not_found", http.StatusNotFound
	case errors.Is(err, database.ErrOrderNotFound):
		return "order_not_found", http.StatusNotFound
	case errors.Is(err, database.ErrCartNotFound):
		return "cart_not_found", http.StatusNotFound
	case errors.Is(err, database.ErrNotificationNotFound):
		return "notification_not_found", http.StatusNotFound
	case errors.Is(err, database.ErrProductUnavailable):
		return "product_unavailable", http.StatusConflict
	case errors.Is(err, database.ErrInsufficientStock):
		return "insufficient_stock", http.StatusConflict
	case errors.Is(err, database.ErrEmptyCart):
		return "empty_cart", http.StatusConflict
	case errors.Is(err, database.ErrInvalidTransition):
		return "invalid_transition", http.StatusConflict
	case errors.Is(err, database.ErrOptimisticLockFailed):
		return "conflict", http.StatusConflict
	case errors.Is(err, database.ErrLockTimeout):
		return "lock_timeout", http.StatusConflict
	default:
		return "internal", http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{"error": code, "message": message})
}
