package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// LiveKitProvider starts call sessions by creating a room on a LiveKit
// server. The room carries the user id, call record id, and dial number as
// metadata; the voice agent dispatched into the room dials out over SIP.
//
// Only the room-create RPC is used here; everything downstream of session
// creation is asynchronous.
type LiveKitProvider struct {
	baseURL   string
	apiKey    string
	apiSecret string

	httpc *http.Client
	clock func() time.Time
}

type LiveKitConfig struct {
	URL       string
	APIKey    string
	APISecret string

	// HTTPTimeout is a transport-level cap; callers still pass a ctx with the
	// dispatch deadline.
	HTTPTimeout time.Duration
}

func NewLiveKitProvider(cfg LiveKitConfig) (*LiveKitProvider, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("orchestration: livekit url, api key and secret are required")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LiveKitProvider{
		baseURL:   cfg.URL,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		httpc:     &http.Client{Timeout: timeout},
		clock:     time.Now,
	}, nil
}

func (p *LiveKitProvider) Name() string { return "livekit" }

func (p *LiveKitProvider) HealthCheck(ctx context.Context) error {
	// ListRooms with no filter is the cheapest authenticated round trip.
	_, err := p.rpc(ctx, "ListRooms", map[string]any{})
	return err
}

type roomMetadata struct {
	UserID          string `json:"user_id"`
	CallRecordID    string `json:"call_record_id"`
	ScheduledCallID string `json:"scheduled_call_id,omitempty"`
	PhoneNumber     string `json:"phone_number"`
}

func (p *LiveKitProvider) StartSession(ctx context.Context, req StartSessionRequest) (StartSessionResult, error) {
	if req.UserID == "" || req.CallRecordID == "" || req.PhoneNumber == "" {
		return StartSessionResult{}, fmt.Errorf("%w: user_id, call_record_id, phone_number required", ErrDispatch)
	}

	meta, err := json.Marshal(roomMetadata{
		UserID:          req.UserID,
		CallRecordID:    req.CallRecordID,
		ScheduledCallID: req.ScheduledCallID,
		PhoneNumber:     req.PhoneNumber,
	})
	if err != nil {
		return StartSessionResult{}, err
	}

	roomName := fmt.Sprintf("checkin-call-%s-%s", req.UserID, uuid.NewString()[:8])
	body := map[string]any{
		"name":             roomName,
		"empty_timeout":    300, // agent has 5 minutes to join and dial
		"max_participants": 3,
		"metadata":         string(meta),
	}
	resp, err := p.rpc(ctx, "CreateRoom", body)
	if err != nil {
		return StartSessionResult{}, fmt.Errorf("%w: create room: %v", ErrDispatch, err)
	}

	out := StartSessionResult{RoomName: roomName, CreatedAt: p.clock().UTC()}
	var created struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(resp, &created); err == nil {
		out.RoomSID = created.Sid
	}
	return out, nil
}

func (p *LiveKitProvider) rpc(ctx context.Context, method string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/twirp/livekit.RoomService/%s", p.baseURL, method)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}

	token, err := p.accessToken()
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("livekit %s: status %d: %s", method, resp.StatusCode, truncate(raw, 256))
	}
	return raw, nil
}

// accessToken builds a short-lived server API token with room-admin grants.
func (p *LiveKitProvider) accessToken() (string, error) {
	now := p.clock()
	claims := jwt.MapClaims{
		"iss": p.apiKey,
		"nbf": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"video": map[string]any{
			"roomCreate": true,
			"roomList":   true,
			"roomAdmin":  true,
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(p.apiSecret))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
