package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"marketchat/internal/transport/httpdto"
	marketchat_errors "marketchat/pkg/errors"
)

// HTTPClient calls the REST API with a bearer token.
type HTTPClient struct {
	Client  *http.Client
	BaseURL string
	Token   string
}

func NewHTTPClient(baseURL, token string, client *http.Client) *HTTPClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPClient{Client: client, BaseURL: strings.TrimRight(baseURL, "/"), Token: token}
}

func (c *HTTPClient) ListConversations(ctx context.Context) ([]httpdto.Conversation, error) {
	var out httpdto.ListConversationsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *HTTPClient) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]httpdto.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out httpdto.ListMessagesResponse
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, req httpdto.SendMessageRequest) (httpdto.Message, error) {
	var out httpdto.Message
	err := c.do(ctx, http.MethodPost, "/v1/messages", req, &out)
	return out, err
}

func (c *HTTPClient) MarkRead(ctx context.Context, conversationID string) error {
	var out httpdto.MarkReadResponse
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil, &out)
}

// FindOrCreate starts or resumes the conversation with another user.
func (c *HTTPClient) FindOrCreate(ctx context.Context, userID, listingID string) (httpdto.Conversation, error) {
	var out httpdto.Conversation
	err := c.do(ctx, http.MethodPost, "/v1/conversations", httpdto.CreateConversationRequest{UserID: userID, ListingID: listingID}, &out)
	return out, err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, marketchat_errors.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
		Code    string          `json:"code"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: status %d: decode: %w", method, path, resp.StatusCode, err)
	}
	if resp.StatusCode >= 400 || !env.Success {
		return fmt.Errorf("%s %s: %w: %s", method, path, statusError(resp.StatusCode), env.Error)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func statusError(status int) error {
	switch {
	case status == http.StatusBadRequest:
		return marketchat_errors.ErrInvalidInput
	case status == http.StatusUnauthorized:
		return marketchat_errors.ErrUnauthorized
	case status == http.StatusNotFound:
		return marketchat_errors.ErrNotFound
	case status == http.StatusConflict:
		return marketchat_errors.ErrConflict
	case status == http.StatusTooManyRequests:
		return marketchat_errors.ErrRateLimited
	default:
		return marketchat_errors.ErrServiceUnavailable
	}
}
