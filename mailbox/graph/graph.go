// Package graph implements mailbox.Service on top of the Microsoft Graph
// mail API using the OAuth2 client credentials flow.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dhcgn/mail-dl/mailbox"
	"github.com/dhcgn/mail-dl/model"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	DefaultFolder  = "Inbox"
	graphScope     = "https://graph.microsoft.com/.default"
	backendName    = "graph"

	messageSelect    = "from,toRecipients,ccRecipients,bccRecipients,subject,body,receivedDateTime"
	attachmentExpand = "attachments($select=name,contentType,size,isInline,microsoft.graph.fileAttachment/contentId)"
)

type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	UserID       string
	Folder       string
	BaseURL      string
	// TokenURL defaults to the tenant's v2.0 token endpoint.
	TokenURL string
	// HTTPClient is used for both token and API requests when set.
	HTTPClient *http.Client
}

// Client talks to one user's mail folder.
type Client struct {
	http    *http.Client
	baseURL string
	user    string
	folder  string
	cb      *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("graph %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("graph client id and secret are required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("graph user id is required")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		if cfg.TenantID == "" {
			return nil, fmt.Errorf("graph tenant id is required")
		}
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	folder := cfg.Folder
	if folder == "" {
		folder = DefaultFolder
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
	}

	// The token source outlives the constructor call, so it must not be
	// bound to a request-scoped context.
	tokenCtx := context.WithoutCancel(ctx)
	if cfg.HTTPClient != nil {
		tokenCtx = context.WithValue(tokenCtx, oauth2.HTTPClient, cfg.HTTPClient)
	}

	settings := gobreaker.Settings{
		Name:        "graph-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		IsSuccessful: func(err error) bool {
			var nce *nonCircuitError
			return err == nil || errors.As(err, &nce)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			}
		},
	}

	return &Client{
		http:    cc.Client(tokenCtx),
		baseURL: baseURL,
		user:    cfg.UserID,
		folder:  folder,
		cb:      gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}, nil
}

// List returns the oldest top messages of the folder with attachment
// metadata expanded.
func (c *Client) List(ctx context.Context, top int) ([]model.RawMessage, error) {
	if top < 1 {
		return nil, fmt.Errorf("list top must be positive, got %d", top)
	}

	query := url.Values{}
	query.Set("$top", strconv.Itoa(top))
	query.Set("$select", messageSelect)
	query.Set("$orderby", "receivedDateTime")
	query.Set("$expand", attachmentExpand)
	path := fmt.Sprintf("/users/%s/mailFolders('%s')/messages", url.PathEscape(c.user), url.PathEscape(strings.ReplaceAll(c.folder, "'", "''")))

	resp, err := c.do(ctx, http.MethodGet, path, query)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var page messagePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode message list: %w", err)
	}

	listedAt := time.Now().UTC()
	messages := make([]model.RawMessage, 0, len(page.Value))
	for _, m := range page.Value {
		msg, err := m.toModel()
		if err != nil {
			if c.logger != nil {
				c.logger.Warn("unparseable receivedDateTime, using list time", "messageID", m.ID, "receivedDateTime", m.ReceivedDateTime, "err", err)
			}
			msg.ReceivedAt = listedAt
		}
		messages = append(messages, msg)
	}
	if c.logger != nil {
		c.logger.Debug("listed messages", "folder", c.folder, "count", len(messages))
	}
	return messages, nil
}

// OpenAttachment streams the raw bytes of a file attachment. The caller
// must close the returned reader.
func (c *Client) OpenAttachment(ctx context.Context, messageID, attachmentID string) (io.ReadCloser, error) {
	path := fmt.Sprintf("/users/%s/messages/%s/attachments/%s/$value",
		url.PathEscape(c.user), url.PathEscape(messageID), url.PathEscape(attachmentID))

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) Delete(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/users/%s/messages/%s", url.PathEscape(c.user), url.PathEscape(messageID))

	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// do sends one request through the circuit breaker. Non-2xx responses are
// turned into errors and their body is closed.
func (c *Client) do(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, &nonCircuitError{err: err}
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			var retrieveErr *oauth2.RetrieveError
			if errors.As(err, &retrieveErr) {
				return nil, &nonCircuitError{err: &mailbox.AuthError{Backend: backendName, Err: err}}
			}
			if ctx.Err() != nil {
				return nil, &nonCircuitError{err: err}
			}
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		statusErr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}

		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, &nonCircuitError{err: &mailbox.AuthError{Backend: backendName, Err: statusErr}}
		case http.StatusNotFound:
			return nil, &nonCircuitError{err: fmt.Errorf("%w: %w", mailbox.ErrMessageNotFound, statusErr)}
		case http.StatusTooManyRequests:
			return nil, statusErr
		}
		if resp.StatusCode >= 500 {
			return nil, statusErr
		}
		return nil, &nonCircuitError{err: statusErr}
	})

	var nce *nonCircuitError
	if errors.As(err, &nce) {
		return nil, nce.err
	}
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("graph request failed", "method", method, "path", path, "breaker", c.cb.State().String(), "err", err)
		}
		return nil, fmt.Errorf("graph %s %s: %w", method, path, err)
	}
	return result.(*http.Response), nil
}

// nonCircuitError marks failures that say nothing about the health of the
// service and must not trip the breaker.
type nonCircuitError struct {
	err error
}

func (e *nonCircuitError) Error() string {
	return e.err.Error()
}

type messagePage struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

type emailAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (e emailAddress) toModel() model.Address {
	return model.Address{Name: e.EmailAddress.Name, Address: e.EmailAddress.Address}
}

type graphAttachment struct {
	ODataType   string `json:"@odata.type"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	IsInline    bool   `json:"isInline"`
	ContentID   string `json:"contentId"`
}

type graphMessage struct {
	ID               string         `json:"id"`
	Subject          string         `json:"subject"`
	ReceivedDateTime string         `json:"receivedDateTime"`
	From             *emailAddress  `json:"from"`
	ToRecipients     []emailAddress `json:"toRecipients"`
	CcRecipients     []emailAddress `json:"ccRecipients"`
	BccRecipients    []emailAddress `json:"bccRecipients"`
	Body             struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Attachments []graphAttachment `json:"attachments"`
}

// toModel converts m. A non-nil error means ReceivedAt could not be parsed
// and is left zero; the rest of the message is usable.
func (m graphMessage) toModel() (model.RawMessage, error) {
	msg := model.RawMessage{
		ID:              m.ID,
		Subject:         m.Subject,
		Body:            m.Body.Content,
		BodyContentType: strings.ToLower(m.Body.ContentType),
		ReceivedRaw:     m.ReceivedDateTime,
		To:              addresses(m.ToRecipients),
		Cc:              addresses(m.CcRecipients),
		Bcc:             addresses(m.BccRecipients),
	}
	if m.From != nil {
		msg.From = m.From.toModel()
	}
	received, parseErr := time.Parse(time.RFC3339, m.ReceivedDateTime)
	if parseErr == nil {
		msg.ReceivedAt = received
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, model.RawAttachment{
			ID:          a.ID,
			Kind:        attachmentKind(a.ODataType),
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        a.Size,
			ContentID:   a.ContentID,
			Inline:      a.IsInline,
		})
	}
	return msg, parseErr
}

func addresses(in []emailAddress) []model.Address {
	out := make([]model.Address, 0, len(in))
	for _, a := range in {
		out = append(out, a.toModel())
	}
	return out
}

func attachmentKind(odataType string) model.AttachmentKind {
	switch {
	case strings.HasSuffix(odataType, "fileAttachment"):
		return model.AttachmentKindFile
	case strings.HasSuffix(odataType, "itemAttachment"):
		return model.AttachmentKindItem
	default:
		return model.AttachmentKindReference
	}
}
