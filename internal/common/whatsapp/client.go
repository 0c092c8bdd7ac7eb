package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"wa-broadcast-workers/internal/common/errors"
	httpclient "wa-broadcast-workers/internal/common/http"
)

const (
	DefaultErrorCode   = "N/A"
	DefaultErrorDetail = "Unknown error"
)

// DeliveryResult is either Sent or Failed.
type DeliveryResult interface {
	deliveryResult()
}

// Sent is returned for an HTTP 200 from the messages endpoint.
type Sent struct {
	MessageID     string
	RecipientWaID string
}

// Failed is returned for any non-200 response. It is data, not an error.
type Failed struct {
	Code       string
	Detail     string
	HTTPStatus int
}

func (Sent) deliveryResult()   {}
func (Failed) deliveryResult() {}

// Reason renders the failure the way it is stored in the delivery outcome log.
func (f Failed) Reason() string {
	return fmt.Sprintf("Error Code: %s, Detail: %s", f.Code, f.Detail)
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Contacts []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message   string          `json:"message"`
	Type      string          `json:"type"`
	Code      json.RawMessage `json:"code"`
	FBTraceID string          `json:"fbtrace_id"`
}

func (e *apiError) code() string {
	if e == nil || len(e.Code) == 0 {
		return DefaultErrorCode
	}
	raw := bytes.TrimSpace(e.Code)
	if bytes.Equal(raw, []byte("null")) {
		return DefaultErrorCode
	}
	if s, err := strconv.Unquote(string(raw)); err == nil {
		if s == "" {
			return DefaultErrorCode
		}
		return s
	}
	return string(raw)
}

func (e *apiError) detail() string {
	if e == nil || e.Message == "" {
		return DefaultErrorDetail
	}
	return e.Message
}

// Sender is the delivery surface the dispatcher depends on.
type Sender interface {
	Send(ctx context.Context, payload *Payload, endpoint string, headers map[string]string) (DeliveryResult, error)
}

type Client struct {
	http *httpclient.Client
}

func NewClient(httpClient *httpclient.Client) *Client {
	return &Client{http: httpClient}
}

// Send posts one template message. Transport failures and undecodable responses are
// returned as WHATSAPP_TRANSPORT_FAILED errors; API-level rejections come back as Failed.
func (c *Client) Send(ctx context.Context, payload *Payload, endpoint string, headers map[string]string) (DeliveryResult, error) {
	resp, err := c.http.PostJSON(ctx, endpoint, headers, payload)
	if err != nil {
		return nil, errors.NewWhatsAppTransportError(err)
	}

	var body sendResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, errors.NewWhatsAppTransportError(
			fmt.Errorf("malformed response (status %d): %w", resp.StatusCode, err),
		).WithMetadata("httpStatus", resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return Failed{
			Code:       body.Error.code(),
			Detail:     body.Error.detail(),
			HTTPStatus: resp.StatusCode,
		}, nil
	}

	if len(body.Messages) == 0 || body.Messages[0].ID == "" {
		return nil, errors.NewWhatsAppTransportError(fmt.Errorf("malformed response: no message id in 200 response"))
	}

	sent := Sent{MessageID: body.Messages[0].ID}
	if len(body.Contacts) > 0 {
		sent.RecipientWaID = body.Contacts[0].WaID
	}
	return sent, nil
}

// Endpoint returns the messages endpoint for a phone-number base URL.
func Endpoint(apiBaseURL string) string {
	base := strings.TrimRight(apiBaseURL, "/")
	if strings.HasSuffix(base, "/messages") {
		return base
	}
	return base + "/messages"
}

// PhoneNumberBaseURL builds "{graph}/{version}/{phoneNumberID}".
func PhoneNumberBaseURL(graphBaseURL, version, phoneNumberID string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(graphBaseURL, "/"), strings.Trim(version, "/"), phoneNumberID)
}

// BearerHeaders returns the auth header set for an access token.
func BearerHeaders(accessToken string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + accessToken}
}
