package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/parley-ai/conversation-gateway/internal/model"
)

// FileAttachment references a previously uploaded file in a chat message.
type FileAttachment struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id,omitempty"`
	URL            string `json:"url,omitempty"`
}

// ChatMessageRequest is the body for a streaming chat turn.
type ChatMessageRequest struct {
	Query          string           `json:"query"`
	Inputs         map[string]any   `json:"inputs"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Files          []FileAttachment `json:"files,omitempty"`
	ResponseMode   string           `json:"response_mode"`
	User           string           `json:"user"`
}

// SendChatMessage opens the event stream for one turn.
func (c *Client) SendChatMessage(ctx context.Context, req ChatMessageRequest) (io.ReadCloser, error) {
	req.ResponseMode = "streaming"
	if req.Inputs == nil {
		req.Inputs = map[string]any{}
	}
	return c.OpenStream(ctx, "/chat-messages", req)
}

// StopChatMessage asks the upstream to stop generation for a task.
func (c *Client) StopChatMessage(ctx context.Context, taskID, user string) error {
	body := map[string]string{"user": user}
	return c.request(ctx, http.MethodPost, "/chat-messages/"+taskID+"/stop", body, nil)
}

// SuggestedQuestions fetches follow-up question suggestions for a message.
func (c *Client) SuggestedQuestions(ctx context.Context, messageID, user string) ([]string, error) {
	var resp struct {
		Data []string `json:"data"`
	}
	path := "/messages/" + messageID + "/suggested?user=" + url.QueryEscape(user)
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// RemoteConversation is one conversation as listed by the upstream.
type RemoteConversation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Status    string         `json:"status,omitempty"`
	CreatedAt int64          `json:"created_at"`
	UpdatedAt int64          `json:"updated_at"`
}

// ListConversations fetches the authoritative conversation list.
func (c *Client) ListConversations(ctx context.Context, user string, limit int) ([]RemoteConversation, error) {
	if limit <= 0 {
		limit = 20
	}
	var resp struct {
		Data []RemoteConversation `json:"data"`
	}
	path := "/conversations?limit=" + strconv.Itoa(limit) + "&user=" + url.QueryEscape(user)
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// RenameConversation renames a persisted conversation.
func (c *Client) RenameConversation(ctx context.Context, conversationID, name, user string) (RemoteConversation, error) {
	body := map[string]string{"name": name, "user": user}
	var resp RemoteConversation
	err := c.request(ctx, http.MethodPost, "/conversations/"+conversationID+"/name", body, &resp)
	return resp, err
}

// DeleteConversation deletes a persisted conversation.
func (c *Client) DeleteConversation(ctx context.Context, conversationID, user string) error {
	body := map[string]string{"user": user}
	return c.request(ctx, http.MethodDelete, "/conversations/"+conversationID, body, nil)
}

// SubmitFeedback submits a like/dislike rating on a message.
func (c *Client) SubmitFeedback(ctx context.Context, messageID string, rating model.FeedbackRating, content, user string) error {
	body := map[string]string{
		"rating":  string(rating),
		"content": content,
		"user":    user,
	}
	return c.request(ctx, http.MethodPost, "/messages/"+messageID+"/feedbacks", body, nil)
}

// HistoryMessage is one stored turn fetched from the upstream message
// history.
type HistoryMessage struct {
	ID                 string                    `json:"id"`
	ConversationID     string                    `json:"conversation_id"`
	Inputs             map[string]any            `json:"inputs"`
	Query              string                    `json:"query"`
	Answer             string                    `json:"answer"`
	MessageFiles       []model.File              `json:"message_files"`
	Feedback           *model.Feedback           `json:"feedback"`
	RetrieverResources []model.RetrieverResource `json:"retriever_resources"`
	AgentThoughts      []model.AgentThought      `json:"agent_thoughts"`
	Status             string                    `json:"status"`
	Error              string                    `json:"error"`
	CreatedAt          int64                     `json:"created_at"`
}

// MessageHistory fetches the stored turns of a persisted conversation in
// chronological order.
func (c *Client) MessageHistory(ctx context.Context, conversationID, user string, limit int) ([]HistoryMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var resp struct {
		Data []HistoryMessage `json:"data"`
	}
	path := "/messages?conversation_id=" + url.QueryEscape(conversationID) +
		"&user=" + url.QueryEscape(user) +
		"&limit=" + strconv.Itoa(limit)
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// FormField is one declared user input field.
type FormField struct {
	Label    string   `json:"label"`
	Variable string   `json:"variable"`
	Required bool     `json:"required"`
	Default  string   `json:"default,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// UserInputFormItem wraps one form control; exactly one control type is set.
type UserInputFormItem struct {
	TextInput *FormField `json:"text-input,omitempty"`
	Paragraph *FormField `json:"paragraph,omitempty"`
	Select    *FormField `json:"select,omitempty"`
}

// Field returns whichever control the item carries.
func (i UserInputFormItem) Field() *FormField {
	switch {
	case i.TextInput != nil:
		return i.TextInput
	case i.Paragraph != nil:
		return i.Paragraph
	case i.Select != nil:
		return i.Select
	default:
		return nil
	}
}

// FeatureToggle is an on/off app feature flag.
type FeatureToggle struct {
	Enabled bool `json:"enabled"`
}

// AppParameters is the external app's configuration relevant to the
// gateway: declared input fields and the follow-up suggestion toggle.
type AppParameters struct {
	UserInputForm                 []UserInputFormItem `json:"user_input_form"`
	SuggestedQuestionsAfterAnswer FeatureToggle       `json:"suggested_questions_after_answer"`
	OpeningStatement              string              `json:"opening_statement,omitempty"`
	SuggestedQuestions            []string            `json:"suggested_questions,omitempty"`
}

// AppParameters fetches the app configuration.
func (c *Client) AppParameters(ctx context.Context, user string) (AppParameters, error) {
	var resp AppParameters
	err := c.request(ctx, http.MethodGet, "/parameters?user="+url.QueryEscape(user), nil, &resp)
	return resp, err
}

// UploadedFile is the upstream's record of an uploaded file. Its ID is used
// as upload_file_id in subsequent turns.
type UploadedFile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Extension string `json:"extension"`
	MimeType  string `json:"mime_type"`
	CreatedAt int64  `json:"created_at"`
}

// UploadFile uploads a file via multipart form for attachment to later
// turns.
func (c *Client) UploadFile(ctx context.Context, filename string, content io.Reader, user string) (UploadedFile, error) {
	var out UploadedFile

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, content); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("user", user); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload", pr)
	if err != nil {
		return out, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return out, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()

	c.captureVersion(resp)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &RemoteAPIError{Status: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}
