// Package transport is the HTTP client for the conversation service and
// message transport. Every call carries the bearer credential; connectivity
// failures surface as ErrTransportFailure so callers can distinguish them
// from validation and policy failures.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"movemsg/internal/model"
)

var (
	ErrTransportFailure = errors.New("transport failure")
	ErrNotFound         = errors.New("not found")
)

type (
	Client struct {
		baseURL string
		bearer  string
		http    *http.Client
	}

	createConversationRequest struct {
		Participants []string             `json:"participants"`
		IsGroup      bool                 `json:"is_group"`
		Group        *model.GroupMetadata `json:"group,omitempty"`
	}

	sendMessageRequest struct {
		Body string `json:"body"`
	}

	requestActionRequest struct {
		Action string `json:"action"`
	}

	participantsRequest struct {
		Add    []string `json:"add,omitempty"`
		Remove []string `json:"remove,omitempty"`
	}

	gateRequest struct {
		Action    string `json:"action"`
		ContextID string `json:"context_id,omitempty"`
	}
)

func NewClient(baseURL, bearer string) *Client {
	return &Client{
		baseURL: baseURL,
		bearer:  bearer,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ListConversations fetches one page of the conversation list, newest
// activity first.
func (c *Client) ListConversations(ctx context.Context, limit, offset int) ([]model.Conversation, error) {
	q := url.Values{
		"limit":  []string{strconv.Itoa(limit)},
		"offset": []string{strconv.Itoa(offset)},
	}
	var out []model.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var out model.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateConversation creates a thread. The server decides the initial
// request status for 1:1 conversations between non-mutual contacts.
func (c *Client) CreateConversation(ctx context.Context, participants []string, group *model.GroupMetadata) (*model.Conversation, error) {
	req := createConversationRequest{
		Participants: model.NormalizeIdentities(participants),
		IsGroup:      group != nil,
		Group:        group,
	}
	var out model.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequestAction performs accept, decline or block on a pending 1:1
// conversation.
func (c *Client) RequestAction(ctx context.Context, conversationID, action string) (*model.Conversation, error) {
	var out model.Conversation
	path := "/conversations/" + url.PathEscape(conversationID) + "/request"
	if err := c.do(ctx, http.MethodPost, path, requestActionRequest{Action: action}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateGroup(ctx context.Context, conversationID string, group model.GroupMetadata) (*model.Conversation, error) {
	var out model.Conversation
	path := "/conversations/" + url.PathEscape(conversationID) + "/group"
	if err := c.do(ctx, http.MethodPut, path, group, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateParticipants(ctx context.Context, conversationID string, add, remove []string) (*model.Conversation, error) {
	var out model.Conversation
	path := "/conversations/" + url.PathEscape(conversationID) + "/participants"
	req := participantsRequest{
		Add:    model.NormalizeIdentities(add),
		Remove: model.NormalizeIdentities(remove),
	}
	if err := c.do(ctx, http.MethodPut, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage submits a packed envelope and returns the authoritative
// message.
func (c *Client) SendMessage(ctx context.Context, conversationID, body string) (*model.Message, error) {
	var out model.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, sendMessageRequest{Body: body}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchMessages returns one newest-first page.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	q := url.Values{
		"limit":  []string{strconv.Itoa(limit)},
		"offset": []string{strconv.Itoa(offset)},
	}
	var out []model.Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// EligibleMembers returns the allow-list of identities addable to a
// movement-verified group: approved evidence, not opted out.
func (c *Client) EligibleMembers(ctx context.Context, movementID string) ([]string, error) {
	var out []string
	path := "/movements/" + url.PathEscape(movementID) + "/eligible"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckActionAllowed consults the advisory rate/abuse gate before a
// send/create action.
func (c *Client) CheckActionAllowed(ctx context.Context, action, contextID string) (*model.GateResult, error) {
	var out model.GateResult
	if err := c.do(ctx, http.MethodPost, "/gate", gateRequest{Action: action, ContextID: contextID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrTransportFailure, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransportFailure, err)
	}
	return nil
}
