package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tombolacan/tombola/internal/record"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint.
const uniqueViolation = "23505"

// Config holds HTTP adapter configuration.
type Config struct {
	// URL is the backend base URL, e.g. https://xyz.supabase.co
	URL string

	// APIKey is sent as both apikey and bearer token
	APIKey string

	// Bucket receives attachments (default: factures)
	Bucket string

	// Timeout bounds each HTTP request (default: 15s)
	Timeout time.Duration

	// Logger for adapter activity (default: disabled)
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bucket:  "factures",
		Timeout: 15 * time.Second,
		Logger:  zerolog.Nop(),
	}
}

// Client talks to a PostgREST-style API and its object storage.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	bucket     string
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// NewClient creates an HTTP gateway.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.URL == "" {
		return nil, fmt.Errorf("remote url is required")
	}
	base, err := url.Parse(strings.TrimRight(config.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote url: %q", config.URL)
	}

	bucket := config.Bucket
	if bucket == "" {
		bucket = DefaultConfig().Bucket
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}

	return &Client{
		baseURL:    base,
		apiKey:     config.APIKey,
		bucket:     bucket,
		httpClient: &http.Client{Timeout: timeout},
		logger:     config.Logger,
		now:        time.Now,
	}, nil
}

// participationRow is the remote column layout of a participation.
type participationRow struct {
	ID            rowID   `json:"id,omitempty"`
	LocalID       string  `json:"local_id"`
	LastName      string  `json:"nom"`
	FirstName     string  `json:"prenom"`
	Phone         string  `json:"telephone"`
	InvoiceNumber string  `json:"num_facture"`
	Amount        int64   `json:"montant_achat"`
	SiteID        string  `json:"emplacement_id"`
	Operator      string  `json:"nom_operatrice"`
	PhotoPath     *string `json:"photo_facture_path"`
	SyncedAt      string  `json:"synced_at"`
}

// rowID accepts both numeric and string primary keys.
type rowID string

func (id *rowID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = rowID(s)
		return nil
	}
	if string(data) == "null" {
		*id = ""
		return nil
	}
	*id = rowID(data)
	return nil
}

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Error   string `json:"error"`
}

// InsertRecord creates the participation row and returns its server id.
func (c *Client) InsertRecord(ctx context.Context, rec *record.Record) (string, error) {
	row := participationRow{
		LocalID:       rec.LocalID,
		LastName:      rec.Fields.LastName,
		FirstName:     rec.Fields.FirstName,
		Phone:         rec.Fields.Phone,
		InvoiceNumber: rec.InvoiceNumber,
		Amount:        rec.Fields.Amount,
		SiteID:        rec.Fields.SiteID,
		Operator:      rec.Fields.Operator,
		SyncedAt:      c.now().UTC().Format(time.RFC3339),
	}
	body, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("failed to encode participation: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/rest/v1/participations", nil, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	respBody, err := c.do(req)
	if err != nil {
		return "", err
	}

	var rows []participationRow
	if err := json.Unmarshal(respBody, &rows); err != nil {
		return "", &Error{Message: "malformed insert response", Err: err}
	}
	if len(rows) == 0 || rows[0].ID == "" {
		return "", &Error{Message: "insert response carried no id"}
	}
	return string(rows[0].ID), nil
}

// UploadAttachment stores a JPEG under <bucket>/<owner>/<date>/<record>.jpg
// and links it to the participation row. A failed link is logged only; the
// object itself is already stored.
func (c *Client) UploadAttachment(ctx context.Context, ownerKey, recordKey string, data []byte) (string, error) {
	objectPath := fmt.Sprintf("%s/%s/%s.jpg", ownerKey, c.now().UTC().Format("2006-01-02"), recordKey)

	req, err := c.newRequest(ctx, http.MethodPost, "/storage/v1/object/"+c.bucket+"/"+objectPath, nil, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("x-upsert", "false")

	if _, err := c.do(req); err != nil {
		return "", err
	}

	if err := c.linkAttachment(ctx, recordKey, objectPath); err != nil {
		c.logger.Warn().Err(err).
			Str("local_id", recordKey).
			Str("path", objectPath).
			Msg("failed to link attachment to participation")
	}
	return objectPath, nil
}

func (c *Client) linkAttachment(ctx context.Context, localID, objectPath string) error {
	body, err := json.Marshal(map[string]interface{}{
		"photo_facture_path": objectPath,
		"photo_uploaded":     true,
	})
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("local_id", "eq."+localID)
	req, err := c.newRequest(ctx, http.MethodPatch, "/rest/v1/participations", q, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

// ExistsByInvoice checks whether the remote store already has the invoice.
func (c *Client) ExistsByInvoice(ctx context.Context, invoice string) (bool, error) {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("num_facture", "eq."+record.NormalizeInvoice(invoice))
	q.Set("limit", "1")

	req, err := c.newRequest(ctx, http.MethodGet, "/rest/v1/participations", q, nil)
	if err != nil {
		return false, err
	}

	body, err := c.do(req)
	if err != nil {
		return false, err
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return false, &Error{Message: "malformed lookup response", Err: err}
	}
	return len(rows) > 0, nil
}

// Site is an active point of sale as served by the backend.
type Site struct {
	ID   string
	Name string
	City string
}

type siteRow struct {
	ID   rowID  `json:"id"`
	Name string `json:"nom"`
	City string `json:"ville"`
}

// FetchSites lists active sites ordered by city, then name.
func (c *Client) FetchSites(ctx context.Context) ([]Site, error) {
	q := url.Values{}
	q.Set("select", "id,nom,ville")
	q.Set("actif", "eq.true")
	q.Set("order", "ville.asc,nom.asc")

	req, err := c.newRequest(ctx, http.MethodGet, "/rest/v1/emplacements", q, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var rows []siteRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &Error{Message: "malformed sites response", Err: err}
	}

	sites := make([]Site, 0, len(rows))
	for _, r := range rows {
		sites = append(sites, Site{ID: string(r.ID), Name: r.Name, City: r.City})
	}
	return sites, nil
}

// Ping reports whether the backend is reachable. Any HTTP response below
// 500 counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodHead, "/rest/v1/", nil, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Err: err}
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do executes req and returns the body of a 2xx response. Non-2xx responses
// become ErrDuplicateKey or *Error.
func (c *Client) do(req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("remote request")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, decodeError(resp.StatusCode, body)
}

func decodeError(status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	// Only a unique violation is a duplicate. PostgREST also answers 409 for
	// foreign key and other constraint failures; storage reports an existing
	// object with the "Duplicate" error marker.
	if apiErr.Code == uniqueViolation || apiErr.Error == "Duplicate" {
		msg := apiErr.Message
		if msg == "" {
			msg = "duplicate key"
		}
		return fmt.Errorf("%w: %s", ErrDuplicateKey, msg)
	}

	msg := apiErr.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{StatusCode: status, Code: apiErr.Code, Message: msg}
}
