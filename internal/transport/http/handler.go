// Package httptransport - тонкий HTTP-слой над сервисами seckill и shop.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/seckill/internal/domain"
	"github.com/vladislavdragonenkov/seckill/internal/service/seckill"
)

// UserHeader передаёт идентификатор пользователя от внешнего auth-слоя.
const UserHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// Purchaser - операции seckill-сервиса, доступные по HTTP.
type Purchaser interface {
	Purchase(ctx context.Context, voucherID, userID int64) (seckill.Result, error)
	PublishSeckillVoucher(ctx context.Context, voucher domain.Voucher) (domain.Voucher, error)
}

// Shops - операции сервиса магазинов, доступные по HTTP.
type Shops interface {
	Get(ctx context.Context, id int64) (domain.Shop, error)
	Create(ctx context.Context, shop domain.Shop) (domain.Shop, error)
	Update(ctx context.Context, shop domain.Shop) error
}

// Response - общий конверт ответа API.
type Response struct {
	Success  bool   `json:"success"`
	Data     any    `json:"data,omitempty"`
	ErrorMsg string `json:"errorMsg,omitempty"`
}

type voucherRequest struct {
	ShopID      int64     `json:"shopId"`
	Title       string    `json:"title"`
	SubTitle    string    `json:"subTitle"`
	PayValue    int64     `json:"payValue"`
	ActualValue int64     `json:"actualValue"`
	Stock       int       `json:"stock"`
	BeginTime   time.Time `json:"beginTime"`
	EndTime     time.Time `json:"endTime"`
}

type handler struct {
	seckill Purchaser
	shops   Shops
	logger  *log.Entry
}

// NewRouter регистрирует маршруты API.
func NewRouter(purchaser Purchaser, shops Shops, logger *log.Entry) *mux.Router {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	h := &handler{seckill: purchaser, shops: shops, logger: logger}

	r := mux.NewRouter()
	r.Use(h.logRequests)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/vouchers/seckill", h.publishVoucher).Methods(http.MethodPost)
	api.HandleFunc("/vouchers/{id:[0-9]+}/seckill", h.purchase).Methods(http.MethodPost)
	api.HandleFunc("/shops", h.createShop).Methods(http.MethodPost)
	api.HandleFunc("/shops/{id:[0-9]+}", h.getShop).Methods(http.MethodGet)
	api.HandleFunc("/shops/{id:[0-9]+}", h.updateShop).Methods(http.MethodPut)

	return r
}

func (h *handler) purchase(w http.ResponseWriter, r *http.Request) {
	voucherID, ok := pathID(w, r)
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(UserHeader)), 10, 64)
	if err != nil || userID <= 0 {
		writeJSON(w, http.StatusUnauthorized, Response{ErrorMsg: "missing or invalid " + UserHeader})
		return
	}

	result, err := h.seckill.Purchase(r.Context(), voucherID, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if result.Outcome != seckill.OutcomeAccepted {
		writeJSON(w, http.StatusOK, Response{ErrorMsg: result.Outcome.String()})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: result.OrderID})
}

func (h *handler) publishVoucher(w http.ResponseWriter, r *http.Request) {
	var req voucherRequest
	if !decodeBody(w, r, &req) {
		return
	}

	created, err := h.seckill.PublishSeckillVoucher(r.Context(), domain.Voucher{
		ShopID:      req.ShopID,
		Title:       req.Title,
		SubTitle:    req.SubTitle,
		PayValue:    req.PayValue,
		ActualValue: req.ActualValue,
		Stock:       req.Stock,
		BeginTime:   req.BeginTime,
		EndTime:     req.EndTime,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: created.ID})
}

func (h *handler) getShop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	shop, err := h.shops.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: shop})
}

func (h *handler) createShop(w http.ResponseWriter, r *http.Request) {
	var shop domain.Shop
	if !decodeBody(w, r, &shop) {
		return
	}
	created, err := h.shops.Create(r.Context(), shop)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Data: created})
}

func (h *handler) updateShop(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var shop domain.Shop
	if !decodeBody(w, r, &shop) {
		return
	}
	shop.ID = id

	if err := h.shops.Update(r.Context(), shop); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true})
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrVoucherNotFound), errors.Is(err, domain.ErrShopNotFound):
		writeJSON(w, http.StatusNotFound, Response{ErrorMsg: err.Error()})
	case errors.Is(err, domain.ErrUserRequired),
		errors.Is(err, domain.ErrVoucherRequired),
		errors.Is(err, domain.ErrStockInvalid),
		errors.Is(err, domain.ErrSaleWindowInvalid),
		errors.Is(err, domain.ErrPriceNegative),
		errors.Is(err, domain.ErrShopNameRequired):
		writeJSON(w, http.StatusBadRequest, Response{ErrorMsg: err.Error()})
	default:
		h.logger.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, Response{ErrorMsg: "internal error"})
	}
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, Response{ErrorMsg: "invalid id"})
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{ErrorMsg: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
