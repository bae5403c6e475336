// Package chatapi is the REST collaborator client: conversation history,
// message sends, and contract/itinerary actions. It returns raw wire
// records; normalization into timeline entries happens in internal/wire.
package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Nardo758/Traveloure-Platform-sub001/internal/wire"
	"github.com/Nardo758/Traveloure-Platform-sub001/timeline"
)

const defaultBaseURL = "http://localhost:8000"

// ErrAuthExpired is returned on 401 responses. The caller surfaces it to
// the host; conversation state is frozen, not corrupted.
var ErrAuthExpired = errors.New("chat api: auth expired")

type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

func New(httpClient *http.Client, baseURL, token string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	baseURL = strings.TrimSpace(strings.TrimRight(baseURL, "/"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
	}
}

// History fetches every record of a conversation. Ordering is not
// guaranteed by the endpoint; the timeline re-sorts on bulk load.
func (c *Client) History(ctx context.Context, conversationID string) ([]wire.RawRecord, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	raw, err := c.do(ctx, http.MethodGet, "/ai/chats/"+conversationID+"/", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Data []wire.RawRecord `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err == nil && out.Data != nil {
		return out.Data, nil
	}
	var records []wire.RawRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return records, nil
}

// SendMessage posts a message and returns the server's echo of the
// created record.
func (c *Client) SendMessage(ctx context.Context, conversationID, text string, attachment *wire.RawAttachment) (wire.RawRecord, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return wire.RawRecord{}, fmt.Errorf("conversation id is required")
	}
	if strings.TrimSpace(text) == "" && attachment == nil {
		return wire.RawRecord{}, fmt.Errorf("message text or attachment is required")
	}
	payload := struct {
		Message    string              `json:"message"`
		Attachment *wire.RawAttachment `json:"attachment,omitempty"`
	}{Message: text, Attachment: attachment}
	raw, err := c.do(ctx, http.MethodPost, "/ai/chats/"+conversationID+"/", payload)
	if err != nil {
		return wire.RawRecord{}, err
	}
	return decodeRecord(raw)
}

// AcceptContract accepts a pending contract and returns the updated
// record, which may already carry a payment URL.
func (c *Client) AcceptContract(ctx context.Context, contractID string) (wire.RawContract, error) {
	return c.patchContract(ctx, contractID, "accepted")
}

// RejectContract rejects a pending contract.
func (c *Client) RejectContract(ctx context.Context, contractID string) (wire.RawContract, error) {
	return c.patchContract(ctx, contractID, "rejected")
}

// RequestPayment asks the backend for the contract's payment URL, which
// it may compute asynchronously after acceptance. Empty means not ready.
func (c *Client) RequestPayment(ctx context.Context, contractID string) (string, error) {
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return "", fmt.Errorf("contract id is required")
	}
	raw, err := c.do(ctx, http.MethodPost, "/ai/contracts/"+contractID+"/payment/", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		PaymentURL string `json:"payment_url"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode payment response: %w", err)
	}
	return out.PaymentURL, nil
}

// ContractStatus refetches the authoritative contract state for a
// conversation.
func (c *Client) ContractStatus(ctx context.Context, conversationID string) (wire.RawContract, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return wire.RawContract{}, fmt.Errorf("conversation id is required")
	}
	raw, err := c.do(ctx, http.MethodGet, "/ai/contracts/status/?with_chat="+conversationID, nil)
	if err != nil {
		return wire.RawContract{}, err
	}
	var out struct {
		Data *wire.RawContract `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err == nil && out.Data != nil {
		return *out.Data, nil
	}
	var contract wire.RawContract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return wire.RawContract{}, fmt.Errorf("decode contract status: %w", err)
	}
	return contract, nil
}

// DecideItinerary records the traveler's decision on a submission.
func (c *Client) DecideItinerary(ctx context.Context, itineraryID string, status timeline.ItineraryStatus) error {
	itineraryID = strings.TrimSpace(itineraryID)
	if itineraryID == "" {
		return fmt.Errorf("itinerary id is required")
	}
	// The decision endpoint speaks the wire vocabulary, where approval
	// is "accepted".
	wireStatus := string(status)
	if status == timeline.ItineraryApproved {
		wireStatus = "accepted"
	}
	payload := struct {
		Status string `json:"status"`
	}{Status: wireStatus}
	_, err := c.do(ctx, http.MethodPatch, "/ai/submit-itinerary/"+itineraryID+"/decision/", payload)
	return err
}

func (c *Client) patchContract(ctx context.Context, contractID, status string) (wire.RawContract, error) {
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return wire.RawContract{}, fmt.Errorf("contract id is required")
	}
	payload := struct {
		Status string `json:"status"`
	}{Status: status}
	raw, err := c.do(ctx, http.MethodPatch, "/ai/contracts/"+contractID+"/", payload)
	if err != nil {
		return wire.RawContract{}, err
	}
	var out struct {
		Data *wire.RawContract `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err == nil && out.Data != nil {
		return *out.Data, nil
	}
	var contract wire.RawContract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return wire.RawContract{}, fmt.Errorf("decode contract response: %w", err)
	}
	return contract, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if c == nil || c.http == nil {
		return nil, fmt.Errorf("chat api client is not initialized")
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrAuthExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chat api %s %s http %d", method, path, resp.StatusCode)
	}
	return raw, nil
}

func decodeRecord(raw []byte) (wire.RawRecord, error) {
	var out struct {
		Data *wire.RawRecord `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err == nil && out.Data != nil {
		return *out.Data, nil
	}
	var rec wire.RawRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return wire.RawRecord{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
