/**
 * @description
 * HTTP handlers for the crowdfunding-service API. Handlers parse the request, call the
 * campaign ledger on behalf of the authenticated caller and translate ledger rejections
 * into HTTP statuses.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: ledger operations and rejection kinds.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/transfa/crowdfunding-service/internal/app"
	"github.com/transfa/crowdfunding-service/internal/domain"
	"github.com/transfa/crowdfunding-service/internal/store/layout"
)

var (
	errInvalidCampaignID   = errors.New("invalid campaign id")
	errTimestampOutOfRange = errors.New("timestamp is outside the storable range")
	errDurationOutOfRange  = errors.New("duration seconds out of range")
)

const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

// CampaignHandlers holds the ledger that handlers act on.
type CampaignHandlers struct {
	ledger *app.Ledger
}

// NewCampaignHandlers creates a new instance of CampaignHandlers.
func NewCampaignHandlers(ledger *app.Ledger) *CampaignHandlers {
	return &CampaignHandlers{ledger: ledger}
}

type launchResponse struct {
	ID uint64 `json:"id"`
}

type payoutResponse struct {
	CampaignID uint64 `json:"campaign_id"`
	Amount     int64  `json:"amount"`
}

type paramsResponse struct {
	Admin              domain.Address `json:"admin"`
	MaxDurationSeconds int64          `json:"max_duration_seconds"`
	MinDurationSeconds int64          `json:"min_duration_seconds"`
	LayoutVersion      int            `json:"layout_version"`
}

// LaunchHandler creates a campaign owned by the caller.
func (h *CampaignHandlers) LaunchHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req domain.LaunchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	startAt, err := unixSeconds(req.StartAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start_at: "+err.Error())
		return
	}
	endAt, err := unixSeconds(req.EndAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end_at: "+err.Error())
		return
	}

	id, err := h.ledger.Launch(r.Context(), caller, req.Goal, domain.NormalizeAddress(req.Token), startAt, endAt)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, launchResponse{ID: id})
}

// ListCampaignsHandler returns every live campaign.
func (h *CampaignHandlers) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	campaigns, err := h.ledger.Campaigns(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if campaigns == nil {
		campaigns = []domain.Campaign{}
	}
	writeJSON(w, http.StatusOK, campaigns)
}

// GetCampaignHandler returns one campaign record.
func (h *CampaignHandlers) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	c, err := h.ledger.Campaign(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetStatusHandler returns the campaign with its phase at the ledger clock.
func (h *CampaignHandlers) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	status, err := h.ledger.Status(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListPledgesHandler returns the pledge records of a campaign.
func (h *CampaignHandlers) ListPledgesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	pledges, err := h.ledger.Pledges(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if pledges == nil {
		pledges = []domain.Pledge{}
	}
	writeJSON(w, http.StatusOK, pledges)
}

// GetPledgeHandler returns one backer's pledge. Unknown pairs read as zero.
func (h *CampaignHandlers) GetPledgeHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	backer := domain.NormalizeAddress(chi.URLParam(r, "backer"))
	amount, err := h.ledger.PledgedAmount(r.Context(), id, backer)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.Pledge{CampaignID: id, Backer: backer, Amount: amount})
}

// CancelHandler removes a campaign that has not started.
func (h *CampaignHandlers) CancelHandler(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := h.callerAndID(w, r)
	if !ok {
		return
	}
	if err := h.ledger.Cancel(r.Context(), caller, id); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// PledgeHandler moves the caller's tokens into escrow for a campaign.
func (h *CampaignHandlers) PledgeHandler(w http.ResponseWriter, r *http.Request) {
	h.amountOperation(w, r, h.ledger.Pledge)
}

// UnpledgeHandler returns part of the caller's pledge while the campaign is open.
func (h *CampaignHandlers) UnpledgeHandler(w http.ResponseWriter, r *http.Request) {
	h.amountOperation(w, r, h.ledger.Unpledge)
}

// ClaimHandler pays a successful campaign's total to its creator.
func (h *CampaignHandlers) ClaimHandler(w http.ResponseWriter, r *http.Request) {
	h.payoutOperation(w, r, h.ledger.Claim)
}

// RefundHandler returns the caller's pledge from a failed campaign.
func (h *CampaignHandlers) RefundHandler(w http.ResponseWriter, r *http.Request) {
	h.payoutOperation(w, r, h.ledger.Refund)
}

// GetParamsHandler returns the ledger parameters and storage layout version.
func (h *CampaignHandlers) GetParamsHandler(w http.ResponseWriter, r *http.Request) {
	params, err := h.ledger.Params(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	version, err := h.ledger.LayoutVersion(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paramsResponse{
		Admin:              params.Admin,
		MaxDurationSeconds: int64(params.MaxDuration / time.Second),
		MinDurationSeconds: int64(params.MinDuration / time.Second),
		LayoutVersion:      int(version),
	})
}

// SetMaxDurationHandler updates the campaign window ceiling.
func (h *CampaignHandlers) SetMaxDurationHandler(w http.ResponseWriter, r *http.Request) {
	h.durationOperation(w, r, h.ledger.SetMaxDuration)
}

// SetMinDurationHandler updates the campaign window floor.
func (h *CampaignHandlers) SetMinDurationHandler(w http.ResponseWriter, r *http.Request) {
	h.durationOperation(w, r, h.ledger.SetMinDuration)
}

// UpgradeHandler migrates the storage layout to the requested version.
func (h *CampaignHandlers) UpgradeHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req domain.UpgradeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.ledger.Upgrade(r.Context(), caller, layout.Version(req.Version)); err != nil {
		writeLedgerError(w, err)
		return
	}
	h.GetParamsHandler(w, r)
}

func (h *CampaignHandlers) amountOperation(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller domain.Address, id uint64, amount int64) error) {
	caller, id, ok := h.callerAndID(w, r)
	if !ok {
		return
	}
	var req domain.AmountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := op(r.Context(), caller, id, req.Amount); err != nil {
		writeLedgerError(w, err)
		return
	}
	amount, err := h.ledger.PledgedAmount(r.Context(), id, caller)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.Pledge{CampaignID: id, Backer: caller, Amount: amount})
}

func (h *CampaignHandlers) payoutOperation(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller domain.Address, id uint64) (int64, error)) {
	caller, id, ok := h.callerAndID(w, r)
	if !ok {
		return
	}
	amount, err := op(r.Context(), caller, id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payoutResponse{CampaignID: id, Amount: amount})
}

func (h *CampaignHandlers) durationOperation(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller domain.Address, d time.Duration) error) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req domain.DurationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Seconds > maxDurationSeconds || req.Seconds < -maxDurationSeconds {
		writeError(w, http.StatusBadRequest, errDurationOutOfRange.Error())
		return
	}
	if err := op(r.Context(), caller, time.Duration(req.Seconds)*time.Second); err != nil {
		writeLedgerError(w, err)
		return
	}
	h.GetParamsHandler(w, r)
}

// unixSeconds converts seconds since the epoch and rejects instants the ledger cannot store.
func unixSeconds(s int64) (time.Time, error) {
	if s < layout.MinTime.Unix() || s > layout.MaxTime.Unix() {
		return time.Time{}, errTimestampOutOfRange
	}
	t := time.Unix(s, 0).UTC()
	if !layout.Storable(t) {
		return time.Time{}, errTimestampOutOfRange
	}
	return t, nil
}

func (h *CampaignHandlers) caller(w http.ResponseWriter, r *http.Request) (domain.Address, bool) {
	caller, ok := GetCaller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Caller not found in context")
		return "", false
	}
	return caller, true
}

func (h *CampaignHandlers) callerAndID(w http.ResponseWriter, r *http.Request) (domain.Address, uint64, bool) {
	caller, ok := h.caller(w, r)
	if !ok {
		return "", 0, false
	}
	id, ok := campaignID(w, r)
	return caller, id, ok
}

func campaignID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, errInvalidCampaignID.Error())
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// statusForError maps a ledger rejection kind to an HTTP status.
func statusForError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindPrecondition:
		return http.StatusUnprocessableEntity
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindFinalized:
		return http.StatusConflict
	case domain.KindTransfer:
		return http.StatusBadGateway
	case domain.KindBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeLedgerError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api msg=\"ledger operation failed\" err=%v", err)
		writeError(w, status, "Internal server error")
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": domain.CodeOf(err)})
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
