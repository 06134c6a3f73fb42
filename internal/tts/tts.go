// Package tts fetches synthesized speech for narration messages from the
// Google Translate text-to-speech endpoint.
package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// The endpoint rejects longer inputs.
const maxTextLen = 200

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/74.0.3729.169 Safari/537.36"

// Fetcher produces MPEG audio for a piece of text.
type Fetcher interface {
	Fetch(ctx context.Context, text, lang string, slow bool) ([]byte, error)
}

// Client talks to the translate_tts endpoint, pacing requests so bursts
// of narration sends do not trip the endpoint's abuse detection.
type Client struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client against base, e.g.
// "https://translate.google.com". An empty base selects the public
// endpoint.
func NewClient(base string) *Client {
	if base == "" {
		base = "https://translate.google.com"
	} else if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return &Client{
		base:    base,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
	}
}

func (c *Client) Fetch(ctx context.Context, text, lang string, slow bool) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("tts: empty text")
	}
	if len([]rune(text)) > maxTextLen {
		return nil, fmt.Errorf("tts: text length %d exceeds %d characters", len([]rune(text)), maxTextLen)
	}
	if lang == "" {
		lang = "pt-BR"
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	speed := "1"
	if slow {
		speed = "0.24"
	}
	q := url.Values{
		"ie":       {"UTF-8"},
		"q":        {text},
		"tl":       {lang},
		"total":    {"1"},
		"idx":      {"0"},
		"textlen":  {strconv.Itoa(len([]rune(text)))},
		"client":   {"tw-ob"},
		"ttsspeed": {speed},
	}
	endpoint := c.base + "/translate_tts?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: fetch audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: endpoint returned %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: read audio: %w", err)
	}
	return data, nil
}
