package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"affiliate-ledger-api/internal/database"
	"affiliate-ledger-api/internal/middleware"
	"affiliate-ledger-api/internal/models"
	"affiliate-ledger-api/internal/service"
	"affiliate-ledger-api/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	logger      *slog.Logger
	clickGuard  func(http.Handler) http.Handler
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	Logger      *slog.Logger
	// ClickGuard wraps POST /clicks only, typically a tighter rate limit.
	ClickGuard func(http.Handler) http.Handler
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		logger:      logger,
		clickGuard:  opts.ClickGuard,
	}
}

// Routes registers every API route on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/stores/{store_id}/settings", h.SetStoreSettings)

	r.Route("/affiliates", func(r chi.Router) {
		r.Post("/", h.EnrollAffiliate)
		r.Route("/{affiliate_id}", func(r chi.Router) {
			r.Get("/", h.GetAffiliate)
			r.Delete("/", h.DeleteAffiliate)
			r.Post("/approve", h.ApproveAffiliate)
			r.Post("/suspend", h.SuspendAffiliate)
			r.Post("/deactivate", h.DeactivateAffiliate)
			r.Put("/settings", h.UpdateAffiliateSettings)
			r.Post("/links", h.IssueLink)
			r.Post("/links/rotate", h.RotateLink)
			r.Get("/analytics", h.GetAnalytics)
			r.Get("/ledger", h.GetLedger)
			r.Post("/reconcile", h.Reconcile)
		})
	})

	if h.clickGuard != nil {
		r.With(h.clickGuard).Post("/clicks", h.RecordClick)
	} else {
		r.Post("/clicks", h.RecordClick)
	}

	r.Route("/conversions", func(r chi.Router) {
		r.Post("/", h.AttributeConversion)
		r.Post("/status", h.BulkTransitionStatus)
		r.Get("/{conversion_id}", h.GetConversion)
		r.Post("/{conversion_id}/status", h.TransitionStatus)
		r.Delete("/{conversion_id}", h.DeleteConversion)
	})
}

// SetStoreSettings handles POST /stores/{store_id}/settings
func (h *Handler) SetStoreSettings(w http.ResponseWriter, r *http.Request) {
	storeID := validation.SanitizeString(chi.URLParam(r, "store_id"))

	var req models.StoreSettingsRequest
	if !h.decode(w, r, &req) {
		return
	}

	settings, err := h.service.SetStoreSettings(r.Context(), storeID, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, settings)
}

// EnrollAffiliate handles POST /affiliates
func (h *Handler) EnrollAffiliate(w http.ResponseWriter, r *http.Request) {
	var req models.EnrollAffiliateRequest
	if !h.decode(w, r, &req) {
		return
	}

	aff, err := h.service.EnrollAffiliate(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, aff)
}

// GetAffiliate handles GET /affiliates/{affiliate_id}
func (h *Handler) GetAffiliate(w http.ResponseWriter, r *http.Request) {
	aff, err := h.service.GetAffiliate(r.Context(), affiliateID(r))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, aff)
}

// ApproveAffiliate handles POST /affiliates/{affiliate_id}/approve
func (h *Handler) ApproveAffiliate(w http.ResponseWriter, r *http.Request) {
	aff, err := h.service.ApproveAffiliate(r.Context(), affiliateID(r))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, aff)
}

// SuspendAffiliate handles POST /affiliates/{affiliate_id}/suspend
func (h *Handler) SuspendAffiliate(w http.ResponseWriter, r *http.Request) {
	aff, err := h.service.SuspendAffiliate(r.Context(), affiliateID(r))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, aff)
}

// DeactivateAffiliate handles POST /affiliates/{affiliate_id}/deactivate
func (h *Handler) DeactivateAffiliate(w http.ResponseWriter, r *http.Request) {
	aff, err := h.service.DeactivateAffiliate(r.Context(), affiliateID(r))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, aff)
}

// DeleteAffiliate handles DELETE /affiliates/{affiliate_id}?hard=true
func (h *Handler) DeleteAffiliate(w http.ResponseWriter, r *http.Request) {
	hard := false
	if raw := r.URL.Query().Get("hard"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid 'hard' parameter, must be a boolean")
			return
		}
		hard = parsed
	}

	if err := h.service.DeleteAffiliate(r.Context(), affiliateID(r), hard); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateAffiliateSettings handles PUT /affiliates/{affiliate_id}/settings
func (h *Handler) UpdateAffiliateSettings(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateSettingsRequest
	if !h.decode(w, r, &req) {
		return
	}

	aff, err := h.service.UpdateAffiliateSettings(r.Context(), affiliateID(r), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, aff)
}

// IssueLink handles POST /affiliates/{affiliate_id}/links
func (h *Handler) IssueLink(w http.ResponseWriter, r *http.Request) {
	var req models.LinkRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	link, err := h.service.IssueLink(r.Context(), affiliateID(r), req.Metadata)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, link)
}

// RotateLink handles POST /affiliates/{affiliate_id}/links/rotate
func (h *Handler) RotateLink(w http.ResponseWriter, r *http.Request) {
	var req models.LinkRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	link, err := h.service.RotateLink(r.Context(), affiliateID(r), service.RotateOptions{
		ExpectedVersion: req.ExpectedVersion,
		Metadata:        req.Metadata,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, link)
}

// GetAnalytics handles GET /affiliates/{affiliate_id}/analytics
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.GetAnalytics(r.Context(), affiliateID(r))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, summary)
}

// GetLedger handles GET /affiliates/{affiliate_id}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.GetLedgerSnapshot(r.Context(), affiliateID(r))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, snapshot)
}

// Reconcile handles POST /affiliates/{affiliate_id}/reconcile?repair_earnings=true
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	repair := false
	if raw := r.URL.Query().Get("repair_earnings"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid 'repair_earnings' parameter, must be a boolean")
			return
		}
		repair = parsed
	}

	result, err := h.service.ReconcileAffiliate(r.Context(), affiliateID(r), service.ReconcileOptions{RepairEarnings: repair})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// RecordClick handles POST /clicks
func (h *Handler) RecordClick(w http.ResponseWriter, r *http.Request) {
	var req models.RecordClickRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validation.Struct(req); err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	visitID, err := h.service.RecordClick(r.Context(), req.ShortCode, models.ClickMetadata{
		Referrer:    req.Referrer,
		LandingPath: req.LandingPath,
		UserAgent:   r.UserAgent(),
		ClientIP:    middleware.GetClientKey(r),
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, models.RecordClickResponse{VisitID: visitID})
}

// AttributeConversion handles POST /conversions. Duplicates and
// self-referrals are not errors: they return 200 with inserted=false.
func (h *Handler) AttributeConversion(w http.ResponseWriter, r *http.Request) {
	var req models.OrderEvent
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.service.AttributeConversion(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Inserted {
		status = http.StatusCreated
	}
	h.respondJSON(w, status, result)
}

// GetConversion handles GET /conversions/{conversion_id}
func (h *Handler) GetConversion(w http.ResponseWriter, r *http.Request) {
	conv, err := h.service.GetConversion(r.Context(), conversionID(r))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, conv)
}

// TransitionStatus handles POST /conversions/{conversion_id}/status
func (h *Handler) TransitionStatus(w http.ResponseWriter, r *http.Request) {
	var req models.TransitionRequest
	if !h.decode(w, r, &req) {
		return
	}

	updated, err := h.service.TransitionStatus(r.Context(), conversionID(r), req.Status)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.TransitionResponse{Updated: updated})
}

// BulkTransitionStatus handles POST /conversions/status
func (h *Handler) BulkTransitionStatus(w http.ResponseWriter, r *http.Request) {
	var req models.BulkTransitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	for i := range req.ConversionIDs {
		req.ConversionIDs[i] = validation.SanitizeString(req.ConversionIDs[i])
	}
	if err := validation.Struct(req); err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	updated, err := h.service.BulkTransitionStatus(r.Context(), req.ConversionIDs, req.Status)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, models.BulkTransitionResponse{Updated: updated})
}

// DeleteConversion handles DELETE /conversions/{conversion_id}
func (h *Handler) DeleteConversion(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteConversion(r.Context(), conversionID(r)); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func affiliateID(r *http.Request) string {
	return validation.SanitizeString(chi.URLParam(r, "affiliate_id"))
}

func conversionID(r *http.Request) string {
	return validation.SanitizeString(chi.URLParam(r, "conversion_id"))
}

// decode reads a required JSON body into dst, answering 400 itself on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

// decodeOptional is decode for endpoints where an empty body is allowed.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

// respondServiceError maps service errors to status codes.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case validation.IsValidationError(err):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAffiliateNotFound), errors.Is(err, service.ErrConversionNotFound):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrAffiliateExists),
		errors.Is(err, service.ErrInvalidStatus),
		errors.Is(err, service.ErrRotationConflict),
		errors.Is(err, service.ErrConcurrentUpdate):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, database.ErrShortCodeExhausted):
		h.respondError(w, http.StatusServiceUnavailable, "could not allocate a short code, retry later")
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
