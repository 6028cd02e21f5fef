/*
handlers.go - HTTP API handlers for store terminals

PURPOSE:
  Exposes the events processor and the catalog sync lists over HTTP.
  Handles request decoding, validation and response shaping, and
  delegates every business rule to the events package.

ENDPOINTS:
  Liveness:
    GET  /testconnection/{device}    Plain "pdtm-server"

  Transmit (idempotent, X-Idempotency-Key required):
    POST /transmit/consumption       []ConsumptionItem
    POST /transmit/production        []ProductionItem
    POST /transmit/exchange          []ExchangeItem
    POST /transmit/count             []CountItem
    POST /transmit/rupture           []RuptureItem

  Sync:
    GET  /sync/stores
    GET  /sync/consumption-types
    GET  /sync/exchange-reasons
    GET  /sync/recipes?store_id=
    GET  /sync/counts?store_id=

TRANSMIT FLOW:
  1. Idempotency middleware claims the key (or replays / rejects)
  2. Decode the JSON array
  3. Validate and apply each item in its own transaction (events.RunBatch)
  4. 200 {"succeeded":[…], "failed":[…]}, or 422 when every item failed

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, missing or invalid query parameters
  - 422: Every item of a batch failed
  - 500: Internal errors
  Item failures carry a client-facing message only; the full error and
  payload go to the log.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - idempotency/middleware.go: Wrap
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/cache"
	"github.com/warp/stock-engine/config"
	"github.com/warp/stock-engine/events"
	"github.com/warp/stock-engine/idempotency"
	"github.com/warp/stock-engine/ledger"
)

// ServerName is answered by the liveness endpoint.
const ServerName = "pdtm-server"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Processor   *events.Processor
	Catalog     *cache.Catalog
	Idempotency *idempotency.Middleware
	Logger      logrus.FieldLogger

	validate *validator.Validate
}

// NewHandler creates a handler. catalog serves the /sync lists.
func NewHandler(proc *events.Processor, catalog *cache.Catalog, idem *idempotency.Middleware, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		Processor:   proc,
		Catalog:     catalog,
		Idempotency: idem,
		Logger:      logger,
		validate:    newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// LIVENESS
// =============================================================================

// TestConnection answers terminals probing the server.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ServerName))
}

// =============================================================================
// TRANSMIT HANDLERS
// =============================================================================

func (h *Handler) TransmitConsumption() idempotency.HandlerFunc {
	return transmit(h, "TransmitConsumption", func(ctx context.Context, it ConsumptionItem) error {
		return h.Processor.Consume(ctx, it.event())
	})
}

func (h *Handler) TransmitProduction() idempotency.HandlerFunc {
	return transmit(h, "TransmitProduction", func(ctx context.Context, it ProductionItem) error {
		if err := h.Processor.Produce(ctx, it.event()); err != nil {
			return err
		}
		// The produced SKU's new average shows in recipes using it as a component.
		if err := h.Catalog.InvalidateRecipes(ctx, ledger.StoreID(it.StoreID)); err != nil {
			h.Logger.WithError(err).WithField("store_id", it.StoreID).Warn("recipe cache not invalidated")
		}
		return nil
	})
}

func (h *Handler) TransmitExchange() idempotency.HandlerFunc {
	return transmit(h, "TransmitExchange", func(ctx context.Context, it ExchangeItem) error {
		return h.Processor.Exchange(ctx, it.event())
	})
}

func (h *Handler) TransmitCount() idempotency.HandlerFunc {
	return transmit(h, "TransmitCount", func(ctx context.Context, it CountItem) error {
		return h.Processor.Count(ctx, it.event())
	})
}

func (h *Handler) TransmitRupture() idempotency.HandlerFunc {
	return transmit(h, "TransmitRupture", func(ctx context.Context, it RuptureItem) error {
		return h.Processor.Rupture(ctx, it.event())
	})
}

// transmit decodes a batch of T and applies it item by item. The returned
// Response is what the idempotency middleware stores and replays.
func transmit[T any](h *Handler, funcName string, apply func(context.Context, T) error) idempotency.HandlerFunc {
	return func(r *http.Request) (idempotency.Response, error) {
		var items []T
		if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
			return idempotency.Response{
				StatusCode: http.StatusBadRequest,
				Body:       ErrorResponse{Error: "invalid request body", Details: err.Error()},
			}, nil
		}
		if len(items) == 0 {
			return idempotency.Response{
				StatusCode: http.StatusBadRequest,
				Body:       ErrorResponse{Error: "empty batch"},
			}, nil
		}

		res := events.RunBatch(r.Context(), items, func(ctx context.Context, item T) error {
			if err := h.validate.Struct(item); err != nil {
				verr := validationError(err)
				config.LogError(h.Logger, "api", funcName, "invalid item not transmitted", item, verr)
				return verr
			}
			return publicError(apply(ctx, item))
		})

		code := http.StatusOK
		if res.AllFailed() {
			code = http.StatusUnprocessableEntity
		}
		return idempotency.Response{StatusCode: code, Body: res}, nil
	}
}

// publicError hides internal failures from terminals. Business rejections
// keep their message.
func publicError(err error) error {
	if err == nil {
		return nil
	}
	if ledger.IsClientError(err) || ledger.IsNotFound(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.New("internal_error")
}

// validationError flattens validator errors into "field: tag" pairs.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid item: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+": "+fe.Tag())
	}
	sort.Strings(fields)
	return fmt.Errorf("invalid item: %s", strings.Join(fields, ", "))
}

// =============================================================================
// SYNC HANDLERS
// =============================================================================

func (h *Handler) SyncStores(w http.ResponseWriter, r *http.Request) {
	stores, err := h.Catalog.Stores(r.Context())
	if err != nil {
		h.internalError(w, "SyncStores", err)
		return
	}
	writeJSON(w, http.StatusOK, stores)
}

func (h *Handler) SyncConsumptionTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Catalog.ConsumptionTypes(r.Context())
	if err != nil {
		h.internalError(w, "SyncConsumptionTypes", err)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func (h *Handler) SyncExchangeReasons(w http.ResponseWriter, r *http.Request) {
	reasons, err := h.Catalog.ExchangeReasons(r.Context())
	if err != nil {
		h.internalError(w, "SyncExchangeReasons", err)
		return
	}
	writeJSON(w, http.StatusOK, reasons)
}

func (h *Handler) SyncRecipes(w http.ResponseWriter, r *http.Request) {
	store, ok := storeParam(w, r)
	if !ok {
		return
	}
	items, err := h.Catalog.Recipes(r.Context(), store)
	if err != nil {
		h.internalError(w, "SyncRecipes", err)
		return
	}
	writeJSON(w, http.StatusOK, toRecipeDTOs(items))
}

func (h *Handler) SyncCounts(w http.ResponseWriter, r *http.Request) {
	store, ok := storeParam(w, r)
	if !ok {
		return
	}
	counts, err := h.Catalog.OpenCounts(r.Context(), store)
	if err != nil {
		h.internalError(w, "SyncCounts", err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// =============================================================================
// HELPERS
// =============================================================================

func storeParam(w http.ResponseWriter, r *http.Request) (ledger.StoreID, bool) {
	raw := r.URL.Query().Get("store_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "store_id must be a positive integer", nil)
		return 0, false
	}
	return ledger.StoreID(id), true
}

func (h *Handler) internalError(w http.ResponseWriter, funcName string, err error) {
	config.LogError(h.Logger, "api", funcName, "request failed", nil, err)
	writeError(w, http.StatusInternalServerError, "internal_error", nil)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
