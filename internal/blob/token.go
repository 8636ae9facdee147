package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ClientTokenOptions restrict what a browser may upload with a client token.
type ClientTokenOptions struct {
	Pathname            string          `json:"pathname"`
	AllowedContentTypes []string        `json:"allowedContentTypes,omitempty"`
	MaximumSizeInBytes  int64           `json:"maximumSizeInBytes,omitempty"`
	ValidUntil          int64           `json:"validUntil"`
	AddRandomSuffix     bool            `json:"addRandomSuffix"`
	OnUploadCompleted   *UploadCallback `json:"onUploadCompleted,omitempty"`
}

type UploadCallback struct {
	CallbackURL  string `json:"callbackUrl"`
	TokenPayload string `json:"tokenPayload,omitempty"`
}

// SetCallback asks the blob store to notify callbackURL after the upload,
// echoing tokenPayload back.
func (o *ClientTokenOptions) SetCallback(callbackURL, tokenPayload string) {
	o.OnUploadCompleted = &UploadCallback{CallbackURL: callbackURL, TokenPayload: tokenPayload}
}

// GenerateClientToken signs opts with the read-write token. An unset
// ValidUntil defaults to one hour from now.
func (c *Client) GenerateClientToken(opts ClientTokenOptions) (string, error) {
	if opts.ValidUntil == 0 {
		opts.ValidUntil = time.Now().Add(time.Hour).UnixMilli()
	}
	raw, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("encode client token payload: %w", err)
	}
	payload := base64.StdEncoding.EncodeToString(raw)

	mac := hmac.New(sha256.New, []byte(c.token))
	mac.Write([]byte(payload))
	signed := hex.EncodeToString(mac.Sum(nil))

	return "vercel_blob_client_" + c.storeID + "_" + base64.StdEncoding.EncodeToString([]byte(signed+"."+payload)), nil
}

// VerifyCallback checks the signature the blob store attaches to an
// upload-completed callback.
func (c *Client) VerifyCallback(body []byte, signature string) bool {
	key := sha256.Sum256([]byte(c.token))
	mac := hmac.New(sha256.New, key[:])
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}
