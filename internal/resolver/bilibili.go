package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/MimeLyc/video-downsizer/internal/jobs"
	"github.com/MimeLyc/video-downsizer/pkg/log"
)

const maxResponseBytes = 4 << 20

// BilibiliClient resolves a BV id (plus optional page) to a playable URL
// through the public player API. Safe for concurrent use.
type BilibiliClient struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

func NewBilibiliClient(config *Config) (*BilibiliClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &BilibiliClient{
		config:  config,
		baseURL: strings.TrimRight(config.APIURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}
	return c, nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type pageInfo struct {
	CID      int64  `json:"cid"`
	Page     int    `json:"page"`
	Part     string `json:"part"`
	Duration int    `json:"duration"`
}

type playURLData struct {
	Durl []struct {
		URL    string `json:"url"`
		Size   int64  `json:"size"`
		Length int64  `json:"length"`
	} `json:"durl"`
}

// Resolve looks up the page cid, then asks for an html5 play URL.
func (c *BilibiliClient) Resolve(ctx context.Context, ref jobs.SourceRef) (*Resolution, error) {
	page, err := c.fetchPage(ctx, ref)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("bvid", ref.ContentID)
	params.Set("cid", strconv.FormatInt(page.CID, 10))
	params.Set("qn", strconv.Itoa(c.config.Quality))
	params.Set("platform", "html5")
	params.Set("high_quality", "1")

	var play playURLData
	if err := c.get(ctx, "/x/player/playurl", params, &play); err != nil {
		return nil, err
	}
	if len(play.Durl) == 0 || strings.TrimSpace(play.Durl[0].URL) == "" {
		return nil, resolutionError(ref, "no playable url in response", nil)
	}

	log.Debug("Resolved %s page %d to cid %d", ref.ContentID, page.Page, page.CID)
	return &Resolution{
		CID:   page.CID,
		Title: page.Part,
		URL:   play.Durl[0].URL,
	}, nil
}

func (c *BilibiliClient) fetchPage(ctx context.Context, ref jobs.SourceRef) (*pageInfo, error) {
	params := url.Values{}
	params.Set("bvid", ref.ContentID)

	var pages []pageInfo
	if err := c.get(ctx, "/x/player/pagelist", params, &pages); err != nil {
		return nil, err
	}

	index := 0
	if ref.Part > 1 {
		index = ref.Part - 1
	}
	if index >= len(pages) {
		return nil, resolutionError(ref, "page not found", nil).WithContext("pages", len(pages))
	}
	if pages[index].CID == 0 {
		return nil, resolutionError(ref, "missing cid", nil)
	}
	return &pages[index], nil
}

func (c *BilibiliClient) get(ctx context.Context, path string, params url.Values, out any) error {
	ref := jobs.SourceRef{ContentID: params.Get("bvid")}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return resolutionError(ref, "rate limiter wait", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return resolutionError(ref, "build request", err)
	}
	for k, v := range c.config.Headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resolutionError(ref, "request failed", err).WithContext("path", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resolutionError(ref, "read response", err).WithContext("path", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resolutionError(ref, fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode), nil).
			WithContext("path", path)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return resolutionError(ref, "malformed response", err).WithContext("path", path)
	}
	if env.Code != 0 {
		return resolutionError(ref, fmt.Sprintf("upstream error %d: %s", env.Code, env.Message), nil).
			WithContext("path", path)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return resolutionError(ref, "empty response data", nil).WithContext("path", path)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return resolutionError(ref, "malformed response data", err).WithContext("path", path)
	}
	return nil
}

func resolutionError(ref jobs.SourceRef, message string, cause error) *jobs.Error {
	return jobs.NewErrorWithCause(jobs.ErrResolution, message, cause).
		WithContext("content_id", ref.ContentID)
}

var _ Resolver = (*BilibiliClient)(nil)
