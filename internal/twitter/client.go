package twitter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Message 封装一条待发布的推文。
type Message struct {
	Text  string
	Image []byte
}

// Poster 定义推文发布接口。
type Poster interface {
	Post(ctx context.Context, msg Message) (string, error)
}

// Post 错误分类。ErrAuth 表示凭证被拒, ErrRemoteLimit 表示远端限流。
var (
	ErrAuth        = errors.New("twitter: authentication rejected")
	ErrRemoteLimit = errors.New("twitter: remote rate limit hit")
)

// APIClient 通过 Twitter API v2 发布推文。
type APIClient struct {
	apiBase    string
	uploadBase string
	client     *http.Client
	logger     zerolog.Logger
}

// NewAPIClient 构造推文客户端。
func NewAPIClient(apiBase, uploadBase, bearerToken string, timeout time.Duration, logger zerolog.Logger) *APIClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if apiBase == "" {
		apiBase = "https://api.twitter.com"
	}
	if uploadBase == "" {
		uploadBase = "https://upload.twitter.com"
	}

	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearerToken})
	client := oauth2.NewClient(context.Background(), source)
	client.Timeout = timeout

	return &APIClient{
		apiBase:    strings.TrimRight(apiBase, "/"),
		uploadBase: strings.TrimRight(uploadBase, "/"),
		client:     client,
		logger:     logger.With().Str("component", "twitter").Logger(),
	}
}

type tweetRequest struct {
	Text  string      `json:"text"`
	Media *tweetMedia `json:"media,omitempty"`
}

type tweetMedia struct {
	MediaIDs []string `json:"media_ids"`
}

// Post 上传可选图片并调用 v2 接口创建推文，返回远端推文 ID。
func (c *APIClient) Post(ctx context.Context, msg Message) (string, error) {
	payload := tweetRequest{Text: msg.Text}

	if len(msg.Image) > 0 {
		mediaID, err := c.uploadMedia(ctx, msg.Image)
		if err != nil {
			c.logger.Warn().Err(err).Msg("media upload failed, posting text only")
		} else {
			payload.Media = &tweetMedia{MediaIDs: []string{mediaID}}
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal tweet payload: %w", err)
	}

	url := fmt.Sprintf("%s/2/tweets", c.apiBase)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create tweet request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send tweet request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(resp.StatusCode, resp.Body)
	}

	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode tweet response: %w", err)
	}
	if result.Data.ID == "" {
		return "", fmt.Errorf("tweet response missing id")
	}

	c.logger.Info().Str("tweet_id", result.Data.ID).
		Int("text_len", len(msg.Text)).
		Bool("with_media", payload.Media != nil).
		Msg("推文已发布")
	return result.Data.ID, nil
}

// uploadMedia 走 v1.1 媒体接口上传 base64 图片。
func (c *APIClient) uploadMedia(ctx context.Context, image []byte) (string, error) {
	form := url.Values{}
	form.Set("media_data", base64.StdEncoding.EncodeToString(image))

	endpoint := fmt.Sprintf("%s/1.1/media/upload.json", c.uploadBase)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create media request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send media request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(resp.StatusCode, resp.Body)
	}

	var result struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode media response: %w", err)
	}
	if result.MediaIDString == "" {
		return "", fmt.Errorf("media response missing id")
	}
	return result.MediaIDString, nil
}

func classifyStatus(status int, body io.Reader) error {
	raw, _ := io.ReadAll(io.LimitReader(body, 512))
	snippet := strings.TrimSpace(string(raw))

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w (%d): %s", ErrAuth, status, snippet)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w (%d): %s", ErrRemoteLimit, status, snippet)
	default:
		return fmt.Errorf("twitter 响应码异常: %d: %s", status, snippet)
	}
}

// DryRunPoster 只记录日志，不真正发布。
type DryRunPoster struct {
	logger zerolog.Logger
}

// NewDryRunPoster 构造干跑发布器。
func NewDryRunPoster(logger zerolog.Logger) *DryRunPoster {
	return &DryRunPoster{logger: logger.With().Str("component", "twitter_dryrun").Logger()}
}

// Post 打印将要发布的文本并返回合成 ID。
func (p *DryRunPoster) Post(_ context.Context, msg Message) (string, error) {
	id := fmt.Sprintf("dry-run-%d", time.Now().UnixNano())
	p.logger.Info().Str("tweet_id", id).
		Int("image_bytes", len(msg.Image)).
		Str("text", msg.Text).
		Msg("dry-run 跳过真实发布")
	return id, nil
}

var (
	_ Poster = (*APIClient)(nil)
	_ Poster = (*DryRunPoster)(nil)
)
