// Package bootstrap performs the HTTP handshakes that precede a probe
// run: creating a websocket session for the target channel and fetching a
// recorded conversation's golden transcript and user audio segments.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Config identifies the bot deployment under test.
type Config struct {
	BaseURL     string
	AccessToken string
	DeviceID    string
	ChannelID   string
	Timeout     time.Duration
}

// Client talks to the bot platform's REST surface.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

// New builds a bootstrap client. The HTTP client keeps transport-level
// timeouts; per-call lifetime comes from the request context plus
// cfg.Timeout.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &Client{cfg: cfg, http: &http.Client{Transport: transport}, logger: logger}
}

// SessionInfo is the platform's create_session response.
type SessionInfo struct {
	Token     string
	ChannelID string
	CreatedAt time.Time
}

type sessionResponse struct {
	Token string `json:"token"`
	Data  struct {
		Token string `json:"token"`
	} `json:"data"`
}

// CreateSession opens a websocket session for the configured channel and
// returns its token. The token may sit at the top level or nested under
// "data" depending on platform version.
func (c *Client) CreateSession(ctx context.Context) (SessionInfo, error) {
	url := fmt.Sprintf("%s/web_channel/channel/%s/agentic_agents/create_session",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.ChannelID)

	payload, _ := json.Marshal(map[string]any{
		"user": map[string]string{
			"name":  "User",
			"phone": "9876543210",
			"email": "qabot@example.com",
		},
	})

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return SessionInfo{}, fmt.Errorf("create session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("creating session", "channel_id", c.cfg.ChannelID)
	resp, err := c.http.Do(req)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SessionInfo{}, fmt.Errorf("create session status %d: %s", resp.StatusCode, body)
	}

	var decoded sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return SessionInfo{}, fmt.Errorf("decode session response: %w", err)
	}
	token := decoded.Token
	if token == "" {
		token = decoded.Data.Token
	}
	if token == "" {
		return SessionInfo{}, fmt.Errorf("session response carries no token")
	}

	return SessionInfo{Token: token, ChannelID: c.cfg.ChannelID, CreatedAt: time.Now()}, nil
}

// AudioSegment is one recorded user turn's audio reference, ordered by
// timetoken.
type AudioSegment struct {
	Utterance string
	URL       string
	Size      int64
	Timetoken int64
}

// Conversation is the replayable material extracted from a recorded call.
type Conversation struct {
	ID         string
	Transcript string
	Segments   []AudioSegment
}

type messagesResponse struct {
	Messages []messageEntry `json:"messages"`
}

type messageEntry struct {
	UUID        string `json:"uuid"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Timetoken   int64  `json:"timetoken"`
	User        struct {
		Phone string `json:"phone"`
	} `json:"user"`
	Attachments []struct {
		Files []struct {
			Name string `json:"name"`
			URL  string `json:"url"`
			Size int64  `json:"size"`
		} `json:"files"`
	} `json:"attachments"`
}

// FetchConversation pulls a recorded conversation and extracts the golden
// transcript plus the user's audio segments in chronological order.
func (c *Client) FetchConversation(ctx context.Context, conversationID string) (Conversation, error) {
	url := fmt.Sprintf("%s/conversations/%s/messages.json",
		strings.TrimRight(c.cfg.BaseURL, "/"), conversationID)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("fetch conversation request: %w", err)
	}
	req.Header.Set("Access-Token", c.cfg.AccessToken)
	req.Header.Set("Device-Id", c.cfg.DeviceID)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("fetching conversation", "conversation_id", conversationID)
	resp, err := c.http.Do(req)
	if err != nil {
		return Conversation{}, fmt.Errorf("fetch conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Conversation{}, fmt.Errorf("fetch conversation status %d: %s", resp.StatusCode, body)
	}

	var decoded messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Conversation{}, fmt.Errorf("decode conversation: %w", err)
	}

	conv := Conversation{ID: conversationID}
	for _, entry := range decoded.Messages {
		if entry.ContentType == "text" && strings.Contains(entry.Content, "*transcript*") {
			conv.Transcript = CleanTranscript(entry.Content)
			continue
		}
		if entry.ContentType != "audio" || entry.User.Phone == "" || len(entry.Attachments) == 0 {
			continue
		}
		for _, file := range entry.Attachments[0].Files {
			// Segment files are the per-turn user clips; the full call
			// recording is a single large attachment we skip.
			if !strings.Contains(file.Name, "segment") {
				continue
			}
			conv.Segments = append(conv.Segments, AudioSegment{
				Utterance: entry.Content,
				URL:       file.URL,
				Size:      file.Size,
				Timetoken: entry.Timetoken,
			})
		}
	}

	sort.SliceStable(conv.Segments, func(i, j int) bool {
		return conv.Segments[i].Timetoken < conv.Segments[j].Timetoken
	})

	if len(conv.Segments) == 0 {
		return conv, fmt.Errorf("conversation %s has no user audio segments", conversationID)
	}
	return conv, nil
}

// CleanTranscript strips system noise, keeping only Agent/User lines.
func CleanTranscript(raw string) string {
	var clean []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Agent: ") || strings.HasPrefix(line, "User: ") {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}
