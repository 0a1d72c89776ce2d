package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/pesio-ai/be-aid-workflow/internal/errors"
	"github.com/pesio-ai/be-aid-workflow/internal/ledger"
	"github.com/pesio-ai/be-aid-workflow/internal/logger"
	"github.com/pesio-ai/be-aid-workflow/internal/middleware"
	"github.com/pesio-ai/be-aid-workflow/internal/service"
	"github.com/pesio-ai/be-aid-workflow/internal/workflow"
)

// HTTPHandler serves the workflow over JSON/HTTP.
type HTTPHandler struct {
	gateway *service.WorkflowGateway
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(gateway *service.WorkflowGateway, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		gateway: gateway,
		log:     log,
	}
}

// RegisterRoutes mounts every workflow route on mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("/api/v1/aid-requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListAidRequests(w, r)
		case http.MethodPost:
			h.SubmitAidRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/aid-requests/get", h.GetAidRequest)
	mux.HandleFunc("/api/v1/aid-requests/review", h.ReviewAidRequest)

	mux.HandleFunc("/api/v1/disbursements", h.OpenDisbursement)
	mux.HandleFunc("/api/v1/disbursements/get", h.GetDisbursement)
	mux.HandleFunc("/api/v1/disbursements/confirm", h.ConfirmCheckpoint)

	mux.HandleFunc("/api/v1/liquidations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.ListLiquidations(w, r)
		case http.MethodPost:
			h.FileLiquidation(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/liquidations/preview", h.PreviewLiquidation)
	mux.HandleFunc("/api/v1/liquidations/get", h.GetLiquidation)
	mux.HandleFunc("/api/v1/liquidations/review", h.ReviewLiquidation)

	mux.HandleFunc("/api/v1/receipts/upload", h.UploadReceipt)
	mux.HandleFunc("/api/v1/pending", h.ListPending)
	mux.HandleFunc("/api/v1/history", h.History)
}

type submitAidRequestBody struct {
	BeneficiaryID string        `json:"beneficiary_id"`
	FundType      string        `json:"fund_type"`
	Amount        ledger.Amount `json:"amount"`
	Purpose       string        `json:"purpose"`
	RequestMonth  int           `json:"request_month"`
	RequestYear   int           `json:"request_year"`
}

type reviewBody struct {
	ID       string `json:"id"`
	Gate     string `json:"gate"`
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

type openDisbursementBody struct {
	AidRequestID string         `json:"aid_request_id"`
	Amount       *ledger.Amount `json:"amount"`
	ReferenceNo  string         `json:"reference_no"`
}

type confirmCheckpointBody struct {
	DisbursementID string `json:"disbursement_id"`
	Checkpoint     string `json:"checkpoint"`
}

type fileLiquidationBody struct {
	DisbursementID string             `json:"disbursement_id"`
	Receipts       []workflow.Receipt `json:"receipts"`
}

// SubmitAidRequest handles POST /api/v1/aid-requests.
func (h *HTTPHandler) SubmitAidRequest(w http.ResponseWriter, r *http.Request) {
	var body submitAidRequestBody
	if !decode(w, r, &body) {
		return
	}

	req, err := h.gateway.SubmitAidRequest(r.Context(), middleware.TokenFromContext(r.Context()), service.SubmitAidRequestInput{
		BeneficiaryID: body.BeneficiaryID,
		FundType:      body.FundType,
		Amount:        body.Amount,
		Purpose:       body.Purpose,
		RequestMonth:  body.RequestMonth,
		RequestYear:   body.RequestYear,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListAidRequests handles GET /api/v1/aid-requests.
func (h *HTTPHandler) ListAidRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 || limit > 100 {
		limit = 50
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	reqs, err := h.gateway.ListAidRequests(r.Context(), middleware.TokenFromContext(r.Context()), service.ListAidRequestsInput{
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"aid_requests": nonNil(reqs),
		"limit":        limit,
		"offset":       offset,
	})
}

// GetAidRequest handles GET /api/v1/aid-requests/get?id=.
func (h *HTTPHandler) GetAidRequest(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	req, err := h.gateway.GetAidRequest(r.Context(), middleware.TokenFromContext(r.Context()), id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// ReviewAidRequest handles POST /api/v1/aid-requests/review.
func (h *HTTPHandler) ReviewAidRequest(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var body reviewBody
	if !decode(w, r, &body) {
		return
	}
	gate, err := workflow.ParseGate(body.Gate)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	req, err := h.gateway.ReviewAidRequest(r.Context(), middleware.TokenFromContext(r.Context()), gate, service.ReviewInput{
		ID:       body.ID,
		Decision: body.Decision,
		Notes:    body.Notes,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// OpenDisbursement handles POST /api/v1/disbursements.
func (h *HTTPHandler) OpenDisbursement(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var body openDisbursementBody
	if !decode(w, r, &body) {
		return
	}

	d, err := h.gateway.OpenDisbursement(r.Context(), middleware.TokenFromContext(r.Context()), service.OpenDisbursementInput{
		AidRequestID: body.AidRequestID,
		Amount:       body.Amount,
		ReferenceNo:  body.ReferenceNo,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GetDisbursement handles GET /api/v1/disbursements/get?id=.
func (h *HTTPHandler) GetDisbursement(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	d, err := h.gateway.GetDisbursement(r.Context(), middleware.TokenFromContext(r.Context()), id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ConfirmCheckpoint handles POST /api/v1/disbursements/confirm. A repeated
// confirmation answers 200 with already_applied set.
func (h *HTTPHandler) ConfirmCheckpoint(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var body confirmCheckpointBody
	if !decode(w, r, &body) {
		return
	}
	cp, err := workflow.ParseCheckpoint(body.Checkpoint)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	res, err := h.gateway.ConfirmCheckpoint(r.Context(), middleware.TokenFromContext(r.Context()), body.DisbursementID, cp)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// FileLiquidation handles POST /api/v1/liquidations.
func (h *HTTPHandler) FileLiquidation(w http.ResponseWriter, r *http.Request) {
	var body fileLiquidationBody
	if !decode(w, r, &body) {
		return
	}

	l, err := h.gateway.FileLiquidation(r.Context(), middleware.TokenFromContext(r.Context()), service.FileLiquidationInput{
		DisbursementID: body.DisbursementID,
		Receipts:       body.Receipts,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// PreviewLiquidation handles POST /api/v1/liquidations/preview.
func (h *HTTPHandler) PreviewLiquidation(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var body fileLiquidationBody
	if !decode(w, r, &body) {
		return
	}

	preview, err := h.gateway.PreviewLiquidation(r.Context(), middleware.TokenFromContext(r.Context()), service.FileLiquidationInput{
		DisbursementID: body.DisbursementID,
		Receipts:       body.Receipts,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// ListLiquidations handles GET /api/v1/liquidations?disbursement_id=.
func (h *HTTPHandler) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	id, ok := requireQuery(w, r, "disbursement_id")
	if !ok {
		return
	}
	liqs, err := h.gateway.ListLiquidations(r.Context(), middleware.TokenFromContext(r.Context()), id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"liquidations": nonNil(liqs)})
}

// GetLiquidation handles GET /api/v1/liquidations/get?id=.
func (h *HTTPHandler) GetLiquidation(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	l, err := h.gateway.GetLiquidation(r.Context(), middleware.TokenFromContext(r.Context()), id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ReviewLiquidation handles POST /api/v1/liquidations/review.
func (h *HTTPHandler) ReviewLiquidation(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var body reviewBody
	if !decode(w, r, &body) {
		return
	}
	gate, err := workflow.ParseGate(body.Gate)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	l, err := h.gateway.ReviewLiquidation(r.Context(), middleware.TokenFromContext(r.Context()), gate, service.ReviewInput{
		ID:       body.ID,
		Decision: body.Decision,
		Notes:    body.Notes,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// UploadReceipt handles POST /api/v1/receipts/upload as multipart/form-data
// with the file in the "file" field.
func (h *HTTPHandler) UploadReceipt(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, service.MaxReceiptSize+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		middleware.WriteError(w, errors.InvalidInput("file", "multipart field 'file' is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		middleware.WriteError(w, errors.InvalidInput("file", "could not read uploaded file"))
		return
	}

	up, err := h.gateway.UploadReceipt(r.Context(), middleware.TokenFromContext(r.Context()), service.UploadReceiptInput{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	h.log.Debug().
		Str("file_ref", up.FileRef).
		Int("size", up.Size).
		Str("request_id", middleware.GetRequestID(r.Context())).
		Msg("Receipt uploaded")
	writeJSON(w, http.StatusCreated, up)
}

// ListPending handles GET /api/v1/pending.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	items, err := h.gateway.ListPending(r.Context(), middleware.TokenFromContext(r.Context()))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	items.AidRequests = nonNil(items.AidRequests)
	items.Liquidations = nonNil(items.Liquidations)
	writeJSON(w, http.StatusOK, items)
}

// History handles GET /api/v1/history?entity_type=&id=.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	id, ok := requireQuery(w, r, "id")
	if !ok {
		return
	}
	entityType, err := workflow.ParseEntityType(r.URL.Query().Get("entity_type"))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	entries, err := h.gateway.History(r.Context(), middleware.TokenFromContext(r.Context()), entityType, id)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteError(w, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

func requireQuery(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		middleware.WriteError(w, errors.InvalidInput(name, name+" is required"))
		return "", false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// nonNil keeps empty lists rendering as [] rather than null.
func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
