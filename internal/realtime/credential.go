package realtime

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/voxlink/internal/policy"
	"github.com/ent0n29/voxlink/internal/reliability"
)

// Credential is a short-lived websocket endpoint plus bearer token.
type Credential struct {
	URL       string
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the token can no longer be used at now. A zero
// expiry means the service did not send one.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CredentialSource produces a fresh credential for every connect.
type CredentialSource interface {
	Fetch(ctx context.Context) (Credential, error)
}

type TurnDetection struct {
	CreateResponse    bool
	InterruptResponse bool
	PrefixPaddingMS   int
	SilenceDurationMS int
	Threshold         float64
}

type CredentialConfig struct {
	URL               string
	Authorization     string
	ProductKey        string
	DeviceKey         string
	AccessSecret      string
	InputAudioFormat  string
	OutputAudioFormat string
	Temperature       float64
	NoiseReduction    string
	TurnDetection     TurnDetection
}

// HTTPCredentialSource performs the signed token exchange over HTTPS.
type HTTPCredentialSource struct {
	cfg    CredentialConfig
	client *http.Client
	now    func() time.Time
}

func NewHTTPCredentialSource(cfg CredentialConfig, client *http.Client) *HTTPCredentialSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if strings.TrimSpace(cfg.InputAudioFormat) == "" {
		cfg.InputAudioFormat = "g711_alaw"
	}
	if strings.TrimSpace(cfg.OutputAudioFormat) == "" {
		cfg.OutputAudioFormat = "g711_alaw"
	}
	return &HTTPCredentialSource{cfg: cfg, client: client, now: time.Now}
}

// Sign returns hex(SHA-256(productKey || deviceKey || timestamp || secret)).
func Sign(productKey, deviceKey, timestamp, secret string) string {
	sum := sha256.Sum256([]byte(productKey + deviceKey + timestamp + secret))
	return hex.EncodeToString(sum[:])
}

type turnDetectionBody struct {
	CreateResponse    bool    `json:"createResponse"`
	InterruptResponse bool    `json:"interruptResponse"`
	PrefixPaddingMS   int     `json:"prefixPaddingMs"`
	SilenceDurationMS int     `json:"silenceDurationMs"`
	Threshold         float64 `json:"threshold"`
	Type              string  `json:"type"`
}

type credentialRequest struct {
	InputAudioFormat         string            `json:"inputAudioFormat"`
	OutputAudioFormat        string            `json:"outputAudioFormat"`
	Temperature              float64           `json:"temperature"`
	ProductKey               string            `json:"productKey"`
	DeviceKey                string            `json:"deviceKey"`
	Timestamp                int64             `json:"timestamp"`
	Sign                     string            `json:"sign"`
	InputAudioNoiseReduction string            `json:"inputAudioNoiseReduction,omitempty"`
	TurnDetection            turnDetectionBody `json:"turnDetection"`
}

type credentialResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		URL            string `json:"url"`
		Path           string `json:"path"`
		EphemeralToken string `json:"ephemeralToken"`
		ExpireAt       int64  `json:"expireAt"`
	} `json:"data"`
}

func (s *HTTPCredentialSource) Fetch(ctx context.Context) (Credential, error) {
	ts := s.now().UnixMilli()
	body := credentialRequest{
		InputAudioFormat:         s.cfg.InputAudioFormat,
		OutputAudioFormat:        s.cfg.OutputAudioFormat,
		Temperature:              s.cfg.Temperature,
		ProductKey:               s.cfg.ProductKey,
		DeviceKey:                s.cfg.DeviceKey,
		Timestamp:                ts,
		Sign:                     Sign(s.cfg.ProductKey, s.cfg.DeviceKey, strconv.FormatInt(ts, 10), s.cfg.AccessSecret),
		InputAudioNoiseReduction: s.cfg.NoiseReduction,
		TurnDetection: turnDetectionBody{
			CreateResponse:    s.cfg.TurnDetection.CreateResponse,
			InterruptResponse: s.cfg.TurnDetection.InterruptResponse,
			PrefixPaddingMS:   s.cfg.TurnDetection.PrefixPaddingMS,
			SilenceDurationMS: s.cfg.TurnDetection.SilenceDurationMS,
			Threshold:         s.cfg.TurnDetection.Threshold,
			Type:              "server_vad",
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Credential{}, fmt.Errorf("marshal credential request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, &reliability.CredentialError{Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", s.cfg.Authorization)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Credential{}, &reliability.CredentialError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, &reliability.CredentialError{Code: resp.StatusCode, Message: "read body", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := policy.RedactSecrets(strings.TrimSpace(string(raw)))
		return Credential{}, &reliability.CredentialError{Code: resp.StatusCode, Message: msg}
	}

	var out credentialResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Credential{}, &reliability.CredentialError{Code: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	if out.Code != 200 {
		msg, _ := policy.RedactSecrets(out.Msg)
		return Credential{}, &reliability.CredentialError{Code: out.Code, Message: msg}
	}
	if out.Data.EphemeralToken == "" || out.Data.URL == "" {
		return Credential{}, &reliability.CredentialError{Code: out.Code, Message: "response missing url or token"}
	}

	return Credential{
		URL:       out.Data.URL + out.Data.Path,
		Token:     out.Data.EphemeralToken,
		ExpiresAt: expiryTime(out.Data.ExpireAt),
	}, nil
}

// expiryTime accepts epoch milliseconds or seconds; the service has sent both.
func expiryTime(v int64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v > 1e12:
		return time.UnixMilli(v)
	default:
		return time.Unix(v, 0)
	}
}
