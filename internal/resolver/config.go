package resolver

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the upstream API settings for BilibiliClient.
type Config struct {
	APIURL    string
	Quality   int
	Timeout   time.Duration
	RateLimit float64
	UserAgent string
	Referer   string
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return fmt.Errorf("API URL is required")
	}
	if c.Quality < 1 {
		return fmt.Errorf("quality must be greater than 0")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than 0")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

// Headers returns the request headers sent to the upstream API.
func (c *Config) Headers() map[string]string {
	headers := map[string]string{
		"Accept": "application/json",
	}
	if c.UserAgent != "" {
		headers["User-Agent"] = c.UserAgent
	}
	if c.Referer != "" {
		headers["Referer"] = c.Referer
	}
	return headers
}
