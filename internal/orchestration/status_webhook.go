package orchestration

import (
	"net/http"
	"strconv"
	"strings"

	"checkin-platform/internal/calls"
	"checkin-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// StatusCallbackForm captures the subset of delivery-status webhook fields we
// care about. The provider posts application/x-www-form-urlencoded.
type StatusCallbackForm struct {
	CallSid      string
	CallStatus   string
	CallDuration string
	AccountSid   string
	From         string
	To           string
	Timestamp    string
}

func ParseStatusCallback(r *http.Request) (StatusCallbackForm, error) {
	if err := r.ParseForm(); err != nil {
		return StatusCallbackForm{}, err
	}
	return StatusCallbackForm{
		CallSid:      r.PostFormValue("CallSid"),
		CallStatus:   r.PostFormValue("CallStatus"),
		CallDuration: r.PostFormValue("CallDuration"),
		AccountSid:   r.PostFormValue("AccountSid"),
		From:         strings.TrimSpace(r.PostFormValue("From")),
		To:           strings.TrimSpace(r.PostFormValue("To")),
		Timestamp:    r.PostFormValue("Timestamp"),
	}, nil
}

// MapProviderStatus translates the provider's status vocabulary to the
// internal one. Unknown statuses are dropped by the caller.
func MapProviderStatus(s string) (calls.CallStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initiated", "queued":
		return calls.CallStatusInitiated, true
	case "ringing":
		return calls.CallStatusRinging, true
	case "in-progress", "answered":
		return calls.CallStatusInProgress, true
	case "completed":
		return calls.CallStatusCompleted, true
	case "busy":
		return calls.CallStatusBusy, true
	case "no-answer":
		return calls.CallStatusNoAnswer, true
	case "failed":
		return calls.CallStatusFailed, true
	case "canceled":
		return calls.CallStatusCanceled, true
	default:
		return "", false
	}
}

// StatusWebhookHandler feeds delivery-status callbacks into the lifecycle
// tracker. It is one of the two status producers; the tracker arbitrates.
//
// The handler always answers 200 so the provider does not retry: a rejected
// or unmatched update is logged, never re-delivered. That makes an unmatched
// drop permanent; a callback racing ahead of the dial-out side's SID binding
// is lost for good. Acceptable for now because the session producer reports
// the same terminal outcome, so the record still settles.
// TODO: park unmatched updates keyed by CallSid and replay them once the
// binding lands.
type StatusWebhookHandler struct {
	Tracker *calls.Tracker
}

func (h StatusWebhookHandler) HandleStatusCallback(c *gin.Context) {
	log := logger.FromGin(c)

	form, err := ParseStatusCallback(c.Request)
	if err != nil {
		log.Warn("status callback parse failed", "err", err)
		c.JSON(http.StatusOK, gin.H{"status": "error"})
		return
	}
	if form.CallSid == "" {
		log.Warn("status callback without CallSid")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	status, ok := MapProviderStatus(form.CallStatus)
	if !ok {
		log.Warn("status callback with unknown status", "call_sid", form.CallSid, "status", form.CallStatus)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	upd := calls.Update{
		ProviderCallID: form.CallSid,
		Status:         status,
		Source:         "callback",
	}
	if form.CallDuration != "" {
		if d, err := strconv.Atoi(form.CallDuration); err == nil {
			upd.DurationSeconds = d
		}
	}

	if err := h.Tracker.Apply(c.Request.Context(), upd); err != nil {
		log.Warn("status callback not applied", "call_sid", form.CallSid, "status", status, "err", err)
	} else {
		log.Info("status callback applied", "call_sid", form.CallSid, "status", status)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
