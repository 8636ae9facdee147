// Package blob is a client for the blob store that receives client-direct PDF
// uploads. It speaks the Vercel Blob HTTP API and its client-token scheme.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultAPIURL = "https://blob.vercel-storage.com"
	apiVersion    = "7"

	// MaxFileSize is the upload ceiling enforced through client tokens.
	MaxFileSize = 30 << 20
)

// ErrTooLarge is returned by Get when a blob exceeds the size limit.
var ErrTooLarge = errors.New("blob exceeds size limit")

type Config struct {
	Token   string
	APIURL  string
	Timeout time.Duration
}

type Client struct {
	token      string
	storeID    string
	apiURL     string
	httpClient *http.Client
}

func New(cfg Config) (*Client, error) {
	storeID, err := storeIDFromToken(cfg.Token)
	if err != nil {
		return nil, err
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		token:      cfg.Token,
		storeID:    storeID,
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// storeIDFromToken extracts the store id from "vercel_blob_rw_<store>_<secret>".
func storeIDFromToken(token string) (string, error) {
	parts := strings.Split(token, "_")
	if len(parts) < 5 || parts[0] != "vercel" || parts[1] != "blob" || parts[2] != "rw" || parts[3] == "" {
		return "", errors.New("blob token must look like vercel_blob_rw_<store>_<secret>")
	}
	return parts[3], nil
}

type PutOptions struct {
	ContentType     string
	AddRandomSuffix bool
}

type PutResult struct {
	URL         string `json:"url"`
	Pathname    string `json:"pathname"`
	ContentType string `json:"contentType"`
}

// Put uploads body at pathname.
func (c *Client) Put(ctx context.Context, pathname string, body []byte, opts PutOptions) (PutResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.apiURL+"/"+strings.TrimLeft(pathname, "/"), bytes.NewReader(body))
	if err != nil {
		return PutResult{}, err
	}
	c.authorize(req)
	if opts.ContentType != "" {
		req.Header.Set("x-content-type", opts.ContentType)
	}
	if !opts.AddRandomSuffix {
		req.Header.Set("x-add-random-suffix", "0")
	}

	var out PutResult
	if err := c.do(req, &out); err != nil {
		return PutResult{}, fmt.Errorf("put blob %s: %w", pathname, err)
	}
	return out, nil
}

// Get downloads a blob, refusing anything over MaxFileSize.
func (c *Client) Get(ctx context.Context, blobURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get blob: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, ErrTooLarge
	}
	return data, nil
}

// Delete removes the given blobs.
func (c *Client) Delete(ctx context.Context, urls ...string) error {
	if len(urls) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string][]string{"urls": urls})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/delete", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")
	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("delete blobs: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("x-api-version", apiVersion)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PathFromURL returns the pathname portion of a blob URL.
func PathFromURL(blobURL string) string {
	u, err := url.Parse(blobURL)
	if err != nil {
		return blobURL
	}
	return strings.TrimPrefix(u.Path, "/")
}
