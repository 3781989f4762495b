package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// ErrSendFailed means the custom-message API rejected the push.
var ErrSendFailed = errors.New("wechat: custom message send failed")

// tokenRefreshMargin refreshes the access token 5 minutes before expiry.
const tokenRefreshMargin = 5 * time.Minute

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Sender pushes text messages through the custom-message API, outside the
// webhook request/response cycle. Access tokens are cached per credential
// pair and refreshed shortly before expiry.
type Sender struct {
	appID      string
	appSecret  string
	apiBaseURL string
	client     *http.Client

	mu    sync.Mutex
	cache map[string]cachedToken

	now func() time.Time // test seam
}

// NewSender builds a Sender for the given account credentials. apiBaseURL
// should include the scheme, e.g. "https://api.weixin.qq.com".
func NewSender(appID, appSecret, apiBaseURL string) *Sender {
	return &Sender{
		appID:      appID,
		appSecret:  appSecret,
		apiBaseURL: apiBaseURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		cache:      make(map[string]cachedToken),
		now:        time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
}

// accessToken returns a valid cached token or fetches a fresh one.
func (s *Sender) accessToken(ctx context.Context) (string, error) {
	key := s.appID + "_" + s.appSecret

	s.mu.Lock()
	if t, ok := s.cache[key]; ok && t.expiresAt.After(s.now().Add(tokenRefreshMargin)) {
		s.mu.Unlock()
		return t.token, nil
	}
	s.mu.Unlock()

	u := fmt.Sprintf("%s/cgi-bin/token?grant_type=client_credential&appid=%s&secret=%s",
		s.apiBaseURL, url.QueryEscape(s.appID), url.QueryEscape(s.appSecret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: token error %d: %s", ErrSendFailed, tr.ErrCode, tr.ErrMsg)
	}

	expiresIn := tr.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 7200
	}
	s.mu.Lock()
	s.cache[key] = cachedToken{token: tr.AccessToken, expiresAt: s.now().Add(time.Duration(expiresIn) * time.Second)}
	s.mu.Unlock()

	return tr.AccessToken, nil
}

type customTextMessage struct {
	ToUser  string `json:"touser"`
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

type sendResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// SendText pushes a text message to the follower identified by openID.
func (s *Sender) SendText(ctx context.Context, openID, content string) error {
	token, err := s.accessToken(ctx)
	if err != nil {
		return err
	}

	msg := customTextMessage{ToUser: openID, MsgType: "text"}
	msg.Text.Content = content
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/cgi-bin/message/custom/send?access_token=%s", s.apiBaseURL, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send custom message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read send response: %w", err)
	}
	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return fmt.Errorf("decode send response: %w", err)
	}
	if sr.ErrCode != 0 {
		return fmt.Errorf("%w: %d: %s", ErrSendFailed, sr.ErrCode, sr.ErrMsg)
	}
	return nil
}
