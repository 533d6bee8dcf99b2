package engine

import (
	"bytes"
	"chatEngine/pkg/api"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ChatAPI is the request/response side of the data service, consumed next to
// the live event stream.
type ChatAPI interface {
	Conversations(ctx context.Context) ([]api.Conversation, error)
	ConversationPage(ctx context.Context, conversationId string, page int, limit int) (api.ConversationPage, error)
	CreateConversation(ctx context.Context, newConversation api.NewConversation) (api.Conversation, error)
	RemoveParticipant(ctx context.Context, conversationId string, userId string) (api.Conversation, error)
	PromoteParticipant(ctx context.Context, conversationId string, userId string) (api.Conversation, error)
	AddParticipants(ctx context.Context, conversationId string, userIds []string) (api.Conversation, error)
	RenameGroup(ctx context.Context, conversationId string, name string) (api.Conversation, error)
	LeaveGroup(ctx context.Context, conversationId string) (api.Conversation, error)
	MarkConversationRead(ctx context.Context, conversationId string) error
}

// Uploader pushes a binary attachment to the media service and hands back its
// descriptor. The engine uploads before emitting the send action.
type Uploader interface {
	Upload(ctx context.Context, attachment Attachment) (*api.Media, error)
}

// Attachment is a to-be-uploaded media file.
type Attachment struct {
	Name      string
	MediaType string
	Size      int64
	Content   io.Reader
}

// Client talks to the chat REST surface.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ ChatAPI = (*Client)(nil)

func NewClient(baseURL string, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

func (c *Client) Conversations(ctx context.Context) ([]api.Conversation, error) {
	var conversations []api.Conversation
	err := c.do(ctx, http.MethodGet, "/chat/conversation", nil, &conversations)
	return conversations, err
}

func (c *Client) ConversationPage(ctx context.Context, conversationId string, page int, limit int) (api.ConversationPage, error) {
	var result api.ConversationPage
	path := "/chat/conversation/" + url.PathEscape(conversationId) +
		"?page=" + strconv.Itoa(page) + "&limit=" + strconv.Itoa(limit)
	err := c.do(ctx, http.MethodGet, path, nil, &result)
	return result, err
}

func (c *Client) CreateConversation(ctx context.Context, newConversation api.NewConversation) (api.Conversation, error) {
	var conversation api.Conversation
	err := c.do(ctx, http.MethodPost, "/chat/conversation", newConversation, &conversation)
	return conversation, err
}

func (c *Client) RemoveParticipant(ctx context.Context, conversationId string, userId string) (api.Conversation, error) {
	var conversation api.Conversation
	path := "/chat/conversation/" + url.PathEscape(conversationId) + "/participant/" + url.PathEscape(userId)
	err := c.do(ctx, http.MethodDelete, path, nil, &conversation)
	return conversation, err
}

func (c *Client) PromoteParticipant(ctx context.Context, conversationId string, userId string) (api.Conversation, error) {
	var conversation api.Conversation
	path := "/chat/conversation/" + url.PathEscape(conversationId) + "/participant/" + url.PathEscape(userId) + "/promote"
	err := c.do(ctx, http.MethodPut, path, nil, &conversation)
	return conversation, err
}

func (c *Client) AddParticipants(ctx context.Context, conversationId string, userIds []string) (api.Conversation, error) {
	var conversation api.Conversation
	path := "/chat/conversation/" + url.PathEscape(conversationId) + "/participants"
	body := struct {
		UserIds []string `json:"userIds"`
	}{UserIds: userIds}
	err := c.do(ctx, http.MethodPost, path, body, &conversation)
	return conversation, err
}

func (c *Client) RenameGroup(ctx context.Context, conversationId string, name string) (api.Conversation, error) {
	var conversation api.Conversation
	path := "/chat/conversation/" + url.PathEscape(conversationId) + "/name"
	body := struct {
		Name string `json:"name"`
	}{Name: name}
	err := c.do(ctx, http.MethodPatch, path, body, &conversation)
	return conversation, err
}

func (c *Client) LeaveGroup(ctx context.Context, conversationId string) (api.Conversation, error) {
	var conversation api.Conversation
	path := "/chat/conversation/" + url.PathEscape(conversationId) + "/leave"
	err := c.do(ctx, http.MethodPost, path, nil, &conversation)
	return conversation, err
}

// MarkConversationRead resets the viewer's unread counter through the
// json-patch endpoint.
func (c *Client) MarkConversationRead(ctx context.Context, conversationId string) error {
	patch := []map[string]interface{}{
		{"op": "replace", "path": "/unreadCount", "value": 0},
	}
	path := "/chat/user/conversation/" + url.PathEscape(conversationId)
	return c.do(ctx, http.MethodPatch, path, patch, nil)
}

func (c *Client) do(ctx context.Context, method string, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		reason, _ := ioutil.ReadAll(resp.Body)
		return &RequestError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(reason))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPUploader posts attachment bytes to the media service, which answers
// with the stored descriptor.
type HTTPUploader struct {
	UploadURL string
	Token     string
	HTTP      *http.Client
}

var _ Uploader = (*HTTPUploader)(nil)

func (u *HTTPUploader) Upload(ctx context.Context, attachment Attachment) (*api.Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.UploadURL, attachment.Content)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+u.Token)
	req.Header.Set("Content-Type", attachment.MediaType)
	req.Header.Set("X-File-Name", attachment.Name)
	if attachment.Size > 0 {
		req.ContentLength = attachment.Size
	}

	client := u.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		reason, _ := ioutil.ReadAll(resp.Body)
		return nil, &RequestError{Status: resp.StatusCode, Reason: strings.TrimSpace(string(reason))}
	}

	var media api.Media
	if err := json.NewDecoder(resp.Body).Decode(&media); err != nil {
		return nil, err
	}
	return &media, nil
}
