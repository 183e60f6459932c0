package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the directory API root used when none is configured.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// DefaultRequestTimeout bounds a single identity-provider call.
const DefaultRequestTimeout = 15 * time.Second

// DefaultRequestsPerSecond is the default client-side throttle.
const DefaultRequestsPerSecond = 10

// maxPages guards against a provider that never stops returning continuation links.
const maxPages = 500

// TokenSource returns a bearer token for the next request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// GraphConfig configures a GraphClient.
type GraphConfig struct {
	// BaseURL is the API root. Defaults to DefaultBaseURL.
	BaseURL string
	// Token supplies pre-authenticated bearer credentials. Required.
	Token TokenSource
	// HTTPClient overrides the default otelhttp-instrumented client.
	HTTPClient *http.Client
	// RequestTimeout bounds each request. Defaults to DefaultRequestTimeout.
	RequestTimeout time.Duration
	// RequestsPerSecond throttles outgoing calls. Defaults to DefaultRequestsPerSecond.
	RequestsPerSecond float64
	// Burst is the limiter burst size. Defaults to RequestsPerSecond.
	Burst int
	// Logger for request failures.
	Logger *slog.Logger
	// Metrics for request tracking (optional).
	Metrics *Metrics
}

// GraphClient implements Provider over a Graph-style REST API with
// nextLink pagination.
type GraphClient struct {
	baseURL string
	token   TokenSource
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *Metrics
}

// NewGraphClient creates a GraphClient. Returns ErrNotConfigured when no
// token source is supplied.
func NewGraphClient(cfg GraphConfig) (*GraphClient, error) {
	if cfg.Token == nil {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid identity base url: %w", err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &GraphClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  cfg.HTTPClient,
		timeout: cfg.RequestTimeout,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// wireUser is the directory representation of a user.
type wireUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	AccountEnabled    *bool  `json:"accountEnabled"`
}

// page is one page of a collection response.
type page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// errorBody is the provider's error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GetSubject looks up a user by object id or user principal name.
func (c *GraphClient) GetSubject(ctx context.Context, emailOrID string) (*Subject, error) {
	if strings.TrimSpace(emailOrID) == "" {
		return nil, notFound(OpGetSubject)
	}
	u := c.url("/users/"+url.PathEscape(emailOrID), url.Values{
		"$select": {"id,displayName,mail,userPrincipalName,accountEnabled"},
	})

	var wu wireUser
	if err := c.do(ctx, OpGetSubject, http.MethodGet, u, &wu); err != nil {
		return nil, err
	}

	email := wu.Mail
	if email == "" {
		email = wu.UserPrincipalName
	}
	enabled := true
	if wu.AccountEnabled != nil {
		enabled = *wu.AccountEnabled
	}
	return &Subject{
		ID:          wu.ID,
		Email:       strings.ToLower(email),
		DisplayName: wu.DisplayName,
		Enabled:     enabled,
	}, nil
}

// ListOAuthGrants returns all delegated grants issued by the subject.
func (c *GraphClient) ListOAuthGrants(ctx context.Context, subjectID string) ([]Grant, error) {
	return listAll[Grant](ctx, c, OpListOAuthGrants, c.url("/users/"+url.PathEscape(subjectID)+"/oauth2PermissionGrants", nil))
}

// ListRoleAssignments returns all app-role assignments held by the subject.
func (c *GraphClient) ListRoleAssignments(ctx context.Context, subjectID string) ([]RoleAssignment, error) {
	return listAll[RoleAssignment](ctx, c, OpListRoleAssignments, c.url("/users/"+url.PathEscape(subjectID)+"/appRoleAssignments", nil))
}

// ListLicenseDetails returns the subject's licence SKUs with service plans.
func (c *GraphClient) ListLicenseDetails(ctx context.Context, emailOrID string) ([]LicenseDetail, error) {
	return listAll[LicenseDetail](ctx, c, OpListLicenseDetails, c.url("/users/"+url.PathEscape(emailOrID)+"/licenseDetails", nil))
}

// DeleteGrant removes a delegated grant. A missing grant is success.
func (c *GraphClient) DeleteGrant(ctx context.Context, grantID string) error {
	err := c.do(ctx, OpDeleteGrant, http.MethodDelete, c.url("/oauth2PermissionGrants/"+url.PathEscape(grantID), nil), nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// DeleteRoleAssignment removes an app-role assignment. A missing assignment is success.
func (c *GraphClient) DeleteRoleAssignment(ctx context.Context, subjectID, assignmentID string) error {
	path := "/users/" + url.PathEscape(subjectID) + "/appRoleAssignments/" + url.PathEscape(assignmentID)
	err := c.do(ctx, OpDeleteRoleAssignment, http.MethodDelete, c.url(path, nil), nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

// RevokeSessions invalidates all refresh tokens and session cookies for the subject.
// A missing subject has no sessions and is reported as success.
func (c *GraphClient) RevokeSessions(ctx context.Context, subjectID string) (bool, error) {
	var out struct {
		Value bool `json:"value"`
	}
	err := c.do(ctx, OpRevokeSessions, http.MethodPost, c.url("/users/"+url.PathEscape(subjectID)+"/revokeSignInSessions", nil), &out)
	if IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return out.Value, nil
}

// ResolveApplication finds a service principal by object id, falling back
// to an appId filter so both client ids and provider-internal ids resolve.
func (c *GraphClient) ResolveApplication(ctx context.Context, clientOrAppID string) (*AppIdentity, error) {
	if strings.TrimSpace(clientOrAppID) == "" {
		return nil, nil
	}

	var app AppIdentity
	err := c.do(ctx, OpResolveApplication, http.MethodGet, c.url("/servicePrincipals/"+url.PathEscape(clientOrAppID), nil), &app)
	if err == nil {
		return &app, nil
	}
	var apiErr *APIError
	if !IsNotFound(err) && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest) {
		return nil, err
	}

	filter := "appId eq '" + strings.ReplaceAll(clientOrAppID, "'", "''") + "'"
	var p page[AppIdentity]
	err = c.do(ctx, OpResolveApplication, http.MethodGet, c.url("/servicePrincipals", url.Values{"$filter": {filter}}), &p)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(p.Value) == 0 {
		return nil, nil
	}
	return &p.Value[0], nil
}

// HealthCheck verifies that the provider is reachable with the configured credentials.
func (c *GraphClient) HealthCheck(ctx context.Context) error {
	var p page[json.RawMessage]
	return c.do(ctx, "health_check", http.MethodGet, c.url("/organization", url.Values{"$select": {"id"}}), &p)
}

// listAll follows continuation links until the collection is exhausted.
func listAll[T any](ctx context.Context, c *GraphClient, op, next string) ([]T, error) {
	var all []T
	for pages := 0; next != ""; pages++ {
		if pages >= maxPages {
			return nil, &APIError{Op: op, Message: fmt.Sprintf("pagination exceeded %d pages", maxPages)}
		}
		var p page[T]
		if err := c.do(ctx, op, http.MethodGet, next, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Value...)
		next = p.NextLink
	}
	if all == nil {
		all = []T{}
	}
	return all, nil
}

func (c *GraphClient) url(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do executes one request and decodes a JSON body into out (if non-nil).
// 404 maps to ErrNotFound; other non-2xx statuses become *APIError.
func (c *GraphClient) do(ctx context.Context, op, method, rawURL string, out any) error {
	start := time.Now()
	outcome := "success"
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveRequest(op, outcome, time.Since(start).Seconds())
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		outcome = "throttled"
		return &APIError{Op: op, Message: err.Error(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.token(ctx)
	if err != nil {
		outcome = "error"
		return &APIError{Op: op, Message: "token acquisition failed: " + err.Error(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		outcome = "error"
		return &APIError{Op: op, Message: err.Error(), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		outcome = "error"
		c.logger.WarnContext(ctx, "identity request failed",
			slog.String("operation", op),
			slog.String("error", err.Error()))
		return &APIError{Op: op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		outcome = "not_found"
		_, _ = io.Copy(io.Discard, resp.Body)
		return notFound(op)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(op, resp)
		switch {
		case resp.StatusCode == http.StatusForbidden || permissionCodes[apiErr.Code]:
			outcome = "forbidden"
		case resp.StatusCode == http.StatusTooManyRequests:
			outcome = "throttled"
		default:
			outcome = "error"
		}
		c.logger.WarnContext(ctx, "identity request rejected",
			slog.String("operation", op),
			slog.Int("status", apiErr.StatusCode),
			slog.String("code", apiErr.Code))
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		outcome = "error"
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

func decodeAPIError(op string, resp *http.Response) *APIError {
	apiErr := &APIError{Op: op, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil || len(body) == 0 {
		return apiErr
	}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error.Code != "" {
		apiErr.Code = eb.Error.Code
		if eb.Error.Message != "" {
			apiErr.Message = eb.Error.Message
		}
	}
	return apiErr
}
