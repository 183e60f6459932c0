package hr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Defaults for HTTPConfig.
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultPageSize       = 200
)

const employeeResource = "/api/resource/Employee"

var employeeFields = []string{
	"name", "employee_name", "company_email", "personal_email",
	"department", "status", "relieving_date",
}

// StatusError is a non-2xx response from the HR API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hr api returned status %d: %s", e.StatusCode, e.Body)
}

// HTTPConfig configures an HTTPDirectory.
type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	// HTTPClient overrides the default otelhttp-instrumented client.
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	PageSize       int
	Logger         *slog.Logger
}

// HTTPDirectory reads employees from a Frappe-style REST API.
type HTTPDirectory struct {
	baseURL  string
	auth     string
	client   *http.Client
	timeout  time.Duration
	pageSize int
	logger   *slog.Logger
}

// NewHTTPDirectory creates an HTTP directory client.
func NewHTTPDirectory(cfg HTTPConfig) (*HTTPDirectory, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("hr base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid hr base url: %w", err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	d := &HTTPDirectory{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   cfg.HTTPClient,
		timeout:  cfg.RequestTimeout,
		pageSize: cfg.PageSize,
		logger:   cfg.Logger,
	}
	if cfg.APIKey != "" {
		d.auth = "token " + cfg.APIKey + ":" + cfg.APISecret
	}
	return d, nil
}

// wireEmployee mirrors the API's JSON; relieving_date is a bare date.
type wireEmployee struct {
	Name          string `json:"name"`
	EmployeeName  string `json:"employee_name"`
	CompanyEmail  string `json:"company_email"`
	PersonalEmail string `json:"personal_email"`
	Department    string `json:"department"`
	Status        string `json:"status"`
	RelievingDate string `json:"relieving_date"`
}

func (w wireEmployee) employee() Employee {
	e := Employee{
		ID:            w.Name,
		Name:          w.EmployeeName,
		Email:         strings.ToLower(strings.TrimSpace(w.CompanyEmail)),
		PersonalEmail: w.PersonalEmail,
		Department:    w.Department,
		Status:        Status(w.Status),
	}
	if e.Email == "" {
		e.Email = strings.ToLower(strings.TrimSpace(w.PersonalEmail))
	}
	if w.RelievingDate != "" {
		if t, err := time.Parse(time.DateOnly, w.RelievingDate); err == nil {
			e.RelievingDate = &t
		}
	}
	return e
}

// ListOffboarded implements Directory. Pages are fetched until a short page.
func (d *HTTPDirectory) ListOffboarded(ctx context.Context) ([]Employee, error) {
	orFilters, _ := json.Marshal([][]string{
		{"status", "=", string(StatusLeft)},
		{"relieving_date", "is", "set"},
	})

	var out []Employee
	for start := 0; ; start += d.pageSize {
		q := d.listQuery(start)
		q.Set("or_filters", string(orFilters))

		var page struct {
			Data []wireEmployee `json:"data"`
		}
		if err := d.get(ctx, employeeResource, q, &page); err != nil {
			return nil, fmt.Errorf("failed to list offboarded employees: %w", err)
		}
		for _, w := range page.Data {
			e := w.employee()
			if e.Email == "" {
				d.logger.Warn("skipping employee without email", "employee_id", e.ID)
				continue
			}
			out = append(out, e)
		}
		if len(page.Data) < d.pageSize {
			break
		}
	}
	sortByEmail(out)
	return out, nil
}

// GetEmployee implements Directory. Values containing "@" are looked up by
// company email; anything else is treated as the record name.
func (d *HTTPDirectory) GetEmployee(ctx context.Context, idOrEmail string) (*Employee, error) {
	if strings.Contains(idOrEmail, "@") {
		filters, _ := json.Marshal([][]string{
			{"company_email", "=", strings.ToLower(strings.TrimSpace(idOrEmail))},
		})
		q := d.listQuery(0)
		q.Set("filters", string(filters))
		q.Set("limit_page_length", "1")

		var page struct {
			Data []wireEmployee `json:"data"`
		}
		if err := d.get(ctx, employeeResource, q, &page); err != nil {
			return nil, fmt.Errorf("failed to get employee: %w", err)
		}
		if len(page.Data) == 0 {
			return nil, ErrEmployeeNotFound
		}
		e := page.Data[0].employee()
		return &e, nil
	}

	var doc struct {
		Data wireEmployee `json:"data"`
	}
	err := d.get(ctx, employeeResource+"/"+url.PathEscape(idOrEmail), nil, &doc)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil, ErrEmployeeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get employee: %w", err)
	}
	e := doc.Data.employee()
	return &e, nil
}

// HealthCheck pings the API with a one-row listing.
func (d *HTTPDirectory) HealthCheck(ctx context.Context) error {
	q := url.Values{}
	q.Set("limit_page_length", "1")
	var page struct {
		Data []json.RawMessage `json:"data"`
	}
	return d.get(ctx, employeeResource, q, &page)
}

func (d *HTTPDirectory) listQuery(start int) url.Values {
	fields, _ := json.Marshal(employeeFields)
	q := url.Values{}
	q.Set("fields", string(fields))
	q.Set("limit_start", strconv.Itoa(start))
	q.Set("limit_page_length", strconv.Itoa(d.pageSize))
	q.Set("order_by", "company_email asc")
	return q
}

func (d *HTTPDirectory) get(ctx context.Context, path string, q url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	u := d.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if d.auth != "" {
		req.Header.Set("Authorization", d.auth)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach hr api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode hr response: %w", err)
	}
	return nil
}
