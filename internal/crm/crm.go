// Package crm pushes analysed leads and their dispute letters into the
// LeadConnector (GoHighLevel) contacts API.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://services.leadconnectorhq.com"
	apiVersion     = "2021-07-28"
)

type Config struct {
	APIKey     string
	LocationID string
	BaseURL    string
	Timeout    time.Duration
}

// Contact is the subset of contact fields the pipeline maintains.
type Contact struct {
	Email        string            `json:"email"`
	Phone        string            `json:"phone,omitempty"`
	FirstName    string            `json:"firstName,omitempty"`
	LastName     string            `json:"lastName,omitempty"`
	CompanyName  string            `json:"companyName,omitempty"`
	Source       string            `json:"source,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	CustomFields map[string]string `json:"-"`
}

type UpsertResult struct {
	ContactID string
	New       bool
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

// SplitName splits a full name into first and last parts.
func SplitName(full string) (first, last string) {
	fields := strings.Fields(full)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
	}
}

// UpsertContact creates or updates the contact matched by email or phone.
func (c *Client) UpsertContact(ctx context.Context, contact Contact) (UpsertResult, error) {
	type customField struct {
		Key        string `json:"key"`
		FieldValue string `json:"field_value"`
	}
	body := struct {
		Contact
		LocationID   string        `json:"locationId"`
		CustomFields []customField `json:"customFields,omitempty"`
	}{Contact: contact, LocationID: c.cfg.LocationID}
	for k, v := range contact.CustomFields {
		body.CustomFields = append(body.CustomFields, customField{Key: k, FieldValue: v})
	}

	var out struct {
		New     bool `json:"new"`
		Contact struct {
			ID string `json:"id"`
		} `json:"contact"`
	}
	if err := c.post(ctx, "/contacts/upsert", body, &out); err != nil {
		return UpsertResult{}, fmt.Errorf("upsert contact: %w", err)
	}
	if out.Contact.ID == "" {
		return UpsertResult{}, fmt.Errorf("upsert contact: response carried no contact id")
	}
	return UpsertResult{ContactID: out.Contact.ID, New: out.New}, nil
}

// UploadLetters attaches generated letter links to a contact as a note and
// tags the contact with the verdict path.
func (c *Client) UploadLetters(ctx context.Context, contactID string, urls []string, path string) error {
	if len(urls) == 0 {
		return nil
	}
	note := map[string]string{
		"body": fmt.Sprintf("Dispute letters (%s):\n%s", path, strings.Join(urls, "\n")),
	}
	if err := c.post(ctx, "/contacts/"+contactID+"/notes", note, nil); err != nil {
		return fmt.Errorf("add letters note: %w", err)
	}
	tags := map[string][]string{"tags": {"fundgate-" + path, "letters-ready"}}
	if err := c.post(ctx, "/contacts/"+contactID+"/tags", tags, nil); err != nil {
		return fmt.Errorf("tag contact: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
