package certificate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fathomos/pkg/contracts/domain"
)

// HTTPUploader posts certificates to a remote receiver endpoint. It is the
// production Uploader behind the background sync worker.
type HTTPUploader struct {
	client   *http.Client
	endpoint string
	apiKey   string
}

// NewHTTPUploader creates an uploader for the given receiver endpoint. The
// API key, when set, is sent in the X-API-Key header.
func NewHTTPUploader(endpoint, apiKey string, timeout time.Duration) *HTTPUploader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPUploader{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

// Upload implements Uploader.
func (u *HTTPUploader) Upload(ctx context.Context, req domain.CertificateSyncRequest) (*domain.CertificateSyncResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if u.apiKey != "" {
		httpReq.Header.Set("X-API-Key", u.apiKey)
	}

	httpResp, err := u.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upload certificate: %w", err)
	}
	defer httpResp.Body.Close()

	// 2xx and 422 both carry a sync response body; anything else is a
	// transport-level failure worth retrying.
	if httpResp.StatusCode >= http.StatusInternalServerError ||
		(httpResp.StatusCode >= http.StatusBadRequest && httpResp.StatusCode != http.StatusUnprocessableEntity) {
		return nil, fmt.Errorf("receiver returned status %d", httpResp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}

	var resp domain.CertificateSyncResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	return &resp, nil
}

var _ Uploader = (*HTTPUploader)(nil)
