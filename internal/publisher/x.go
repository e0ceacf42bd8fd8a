package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dghubble/oauth1"
	"golang.org/x/time/rate"

	logx "postplanner/pkg/logx"
)

const (
	xUploadURL = "https://upload.twitter.com/1.1/media/upload.json"
	xTweetURL  = "https://api.twitter.com/2/tweets"
	xMeURL     = "https://api.twitter.com/2/users/me"

	maxMediaPerPost = 4
)

// XConfig holds OAuth 1.0a user-context credentials for the X API.
type XConfig struct {
	APIKey            string
	APISecret         string
	AccessToken       string
	AccessTokenSecret string
	RatePerSec        int           // API call rate limit, default 1
	HTTPTimeout       time.Duration // per-request, default 30s
}

// XClient posts tweets: media via the v1.1 upload endpoint, the tweet itself
// via the v2 create endpoint.
type XClient struct {
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewX(cfg XConfig, log logx.Logger) (*XClient, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" || cfg.AccessToken == "" || cfg.AccessTokenSecret == "" {
		return nil, errors.New("publisher credentials are not fully configured")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}

	oc := oauth1.NewConfig(cfg.APIKey, cfg.APISecret)
	tok := oauth1.NewToken(cfg.AccessToken, cfg.AccessTokenSecret)
	hc := oc.Client(context.Background(), tok)
	hc.Timeout = timeout

	return &XClient{
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}, nil
}

func (c *XClient) Publish(ctx context.Context, text string, imagePaths []string) (string, error) {
	mediaIDs := make([]string, 0, maxMediaPerPost)
	for _, path := range imagePaths {
		if len(mediaIDs) >= maxMediaPerPost {
			c.log.Warn("too many attachments, extra ones skipped", logx.String("path", path))
			break
		}
		id, err := c.uploadMedia(ctx, path)
		if err != nil {
			return "", fmt.Errorf("media upload %s: %w", filepath.Base(path), err)
		}
		mediaIDs = append(mediaIDs, id)
	}

	body := map[string]any{"text": text}
	if len(mediaIDs) > 0 {
		body["media"] = map[string]any{"media_ids": mediaIDs}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, xTweetURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apiError(resp.StatusCode, raw)
	}

	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.Data.ID == "" {
		return "", fmt.Errorf("tweet created but response had no id: %s", strings.TrimSpace(string(raw)))
	}
	c.log.Info("tweet posted", logx.String("tweet_id", out.Data.ID), logx.Int("media", len(mediaIDs)))
	return out.Data.ID, nil
}

func (c *XClient) uploadMedia(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("media", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, xUploadURL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apiError(resp.StatusCode, raw)
	}

	var out struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || out.MediaIDString == "" {
		return "", fmt.Errorf("upload succeeded but response had no media id")
	}
	return out.MediaIDString, nil
}

func (c *XClient) Verify(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, xMeURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp.StatusCode, raw)
	}

	var out struct {
		Data struct {
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err == nil && out.Data.Username != "" {
		c.log.Info("publisher credentials verified", logx.String("username", out.Data.Username))
	}
	return nil
}

func apiError(status int, raw []byte) error {
	e := &APIError{Status: status, Title: http.StatusText(status)}
	var parsed struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		if parsed.Title != "" {
			e.Title = parsed.Title
		}
		switch {
		case parsed.Detail != "":
			e.Detail = parsed.Detail
		case len(parsed.Errors) > 0:
			e.Detail = parsed.Errors[0].Message
		}
	}
	return e
}
