package blob

import "encoding/json"

// Event types posted by the blob client and store to the upload handler.
const (
	EventGenerateClientToken = "blob.generate-client-token"
	EventUploadCompleted     = "blob.upload-completed"
)

// SignatureHeader carries the callback signature on upload-completed events.
const SignatureHeader = "x-vercel-signature"

// Event is the envelope of both upload handler requests.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type GenerateTokenPayload struct {
	Pathname      string `json:"pathname"`
	CallbackURL   string `json:"callbackUrl"`
	ClientPayload string `json:"clientPayload"`
	Multipart     bool   `json:"multipart"`
}

type UploadedBlob struct {
	URL         string `json:"url"`
	DownloadURL string `json:"downloadUrl"`
	Pathname    string `json:"pathname"`
	ContentType string `json:"contentType"`
}

type UploadCompletedPayload struct {
	Blob         UploadedBlob `json:"blob"`
	TokenPayload string       `json:"tokenPayload"`
}
