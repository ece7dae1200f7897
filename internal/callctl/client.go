// Package callctl wraps the call-control provider's voice API: placing the
// phone and SIP-trunk legs and ending calls. Request signing, retries and
// transport concerns live with the provider; this client only speaks the
// REST surface the orchestrator needs.
package callctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/clearline/voice-bridge/pkg/logger"
)

// API is the call-control surface consumed by the orchestrator. Tests
// substitute a fake; production uses Client.
type API interface {
	// CreateCall places the outbound phone leg and returns its call id.
	CreateCall(ctx context.Context, toNumber string) (string, error)
	// CreateSIPLeg places the SIP-trunk leg carrying the participant token
	// in the UUI header, and returns its call id.
	CreateSIPLeg(ctx context.Context, participantToken string) (string, error)
	// EndCall asks the provider to mark the call completed.
	EndCall(ctx context.Context, callID string) error
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL       string
	accountID     string
	username      string
	password      string
	applicationID string
	fromNumber    string
	callbackBase  string
	sipBridgeURI  string

	httpClient *http.Client
}

// Options carries the provider account configuration for NewClient.
type Options struct {
	BaseURL       string
	AccountID     string
	Username      string
	Password      string
	ApplicationID string
	FromNumber    string
	CallbackBase  string
	SIPBridgeURI  string
}

// NewClient creates a call-control API client.
func NewClient(opts Options) *Client {
	return &Client{
		baseURL:       opts.BaseURL,
		accountID:     opts.AccountID,
		username:      opts.Username,
		password:      opts.Password,
		applicationID: opts.ApplicationID,
		fromNumber:    opts.FromNumber,
		callbackBase:  opts.CallbackBase,
		sipBridgeURI:  opts.SIPBridgeURI,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type createCallRequest struct {
	From          string `json:"from"`
	To            string `json:"to"`
	AnswerURL     string `json:"answerUrl"`
	DisconnectURL string `json:"disconnectUrl"`
	ApplicationID string `json:"applicationId"`
	UUI           string `json:"uui,omitempty"`
}

type createCallResponse struct {
	CallID string `json:"callId"`
}

type modifyCallRequest struct {
	State string `json:"state"`
}

// CreateCall places the outbound phone leg. The provider reports answer on
// /callAnswered and disconnect on /callStatus.
func (c *Client) CreateCall(ctx context.Context, toNumber string) (string, error) {
	req := createCallRequest{
		From:          c.fromNumber,
		To:            toNumber,
		AnswerURL:     c.callbackBase + "/callAnswered",
		DisconnectURL: c.callbackBase + "/callStatus",
		ApplicationID: c.applicationID,
	}
	callID, err := c.postCall(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create call to %s: %w", toNumber, err)
	}
	logger.Base().Info("placed phone leg",
		zap.String("call_id", callID),
		zap.String("to", toNumber))
	return callID, nil
}

// CreateSIPLeg places the call that links the call-control side to the
// real-time session's SIP trunk. The participant token rides in the UUI
// header so the far end can correlate the leg with its session membership.
func (c *Client) CreateSIPLeg(ctx context.Context, participantToken string) (string, error) {
	req := createCallRequest{
		From:          c.fromNumber,
		To:            c.sipBridgeURI,
		AnswerURL:     c.callbackBase + "/bridgeCallAnswered",
		DisconnectURL: c.callbackBase + "/callStatus",
		ApplicationID: c.applicationID,
		UUI:           participantToken + ";encoding=jwt",
	}
	callID, err := c.postCall(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create sip leg to %s: %w", c.sipBridgeURI, err)
	}
	logger.Base().Info("placed sip trunk leg", zap.String("call_id", callID))
	return callID, nil
}

// EndCall moves the call to completed. A call the provider no longer knows
// about surfaces as ErrNotFound so teardown can tolerate it.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	body, err := json.Marshal(modifyCallRequest{State: "completed"})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/accounts/%s/calls/%s", c.baseURL, c.accountID, callID)
	resp, err := c.do(ctx, url, body)
	if err != nil {
		return fmt.Errorf("end call %s: %w", callID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("end call %s: %w", callID, ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("end call %s: %w", callID, ErrAlreadyEnded)
	case resp.StatusCode >= 300:
		return fmt.Errorf("end call %s: unexpected status %d", callID, resp.StatusCode)
	}
	return nil
}

func (c *Client) postCall(ctx context.Context, reqBody createCallRequest) (string, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/accounts/%s/calls", c.baseURL, c.accountID)
	resp, err := c.do(ctx, url, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, payload)
	}

	var created createCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if created.CallID == "" {
		return "", &PreconditionError{Field: "callId"}
	}
	return created.CallID, nil
}

func (c *Client) do(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)
	return c.httpClient.Do(req)
}
