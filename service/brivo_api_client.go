// ABOUTME: This file implements the caching, retrying API client for Brivo resource calls
// ABOUTME: Wraps every remote call with token handling, backoff, and error translation

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"brivo-uploader/driver"
	"brivo-uploader/models"

	"golang.org/x/sync/errgroup"
)

// Domain error definitions surfaced by the typed operations.
var (
	ErrUserNotFound          = errors.New("no user with the given member ID found")
	ErrAmbiguousMemberID     = errors.New("multiple users share the given member ID")
	ErrGroupNotFound         = errors.New("group not found")
	ErrCredentialNotFound    = errors.New("no credential with the given reference ID found in facility")
	ErrAmbiguousCredential   = errors.New("multiple credentials share the given reference ID in facility")
	ErrMemberIDFieldNotFound = errors.New("member ID custom field not configured in Brivo")
	ErrNameMismatch          = errors.New("member ID exists with a different name; refusing to update automatically")
	ErrDeleteNotConfirmed    = errors.New("user deletion requires explicit confirmation")
)

// APIDriver is the slice of the driver the client needs for resource calls.
type APIDriver interface {
	Do(ctx context.Context, method, endpoint string, query url.Values, body []byte, accessToken string) (*driver.APIResponse, error)
}

// TokenProvider supplies valid tokens and accepts invalidation after a 401.
type TokenProvider interface {
	EnsureValidToken(ctx context.Context) (*models.OAuth2Token, error)
	Invalidate()
}

// ClientConfig tunes the API client's retry schedule and cache ttl.
type ClientConfig struct {
	Retry    RetrySettings
	CacheTTL time.Duration
	PageSize int
}

// DefaultClientConfig returns the stock client settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Retry:    DefaultRetrySettings(),
		CacheTTL: 5 * time.Minute,
		PageSize: 100,
	}
}

// BrivoAPIClient issues authenticated Brivo API calls. Every call obtains a
// token first, retries transparently once on 401 after invalidating the
// token, backs off on 429/5xx/network failures up to a bounded attempt
// count, and serves idempotent reads from a time-bound response cache.
type BrivoAPIClient struct {
	apiDriver APIDriver
	tokens    TokenProvider
	cache     *ResponseCache
	logger    *slog.Logger
	config    ClientConfig
}

// NewBrivoAPIClient creates a new API client with default settings.
func NewBrivoAPIClient(apiDriver APIDriver, tokens TokenProvider, logger *slog.Logger) *BrivoAPIClient {
	return NewBrivoAPIClientWithConfig(apiDriver, tokens, logger, DefaultClientConfig())
}

// NewBrivoAPIClientWithConfig creates a new API client with custom settings.
func NewBrivoAPIClientWithConfig(apiDriver APIDriver, tokens TokenProvider, logger *slog.Logger, config ClientConfig) *BrivoAPIClient {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PageSize <= 0 {
		config.PageSize = 100
	}

	return &BrivoAPIClient{
		apiDriver: apiDriver,
		tokens:    tokens,
		cache:     NewResponseCache(),
		logger:    logger,
		config:    config,
	}
}

// Call executes one API operation. Body may be nil or any JSON-marshalable
// value. Cacheable is honored for GET requests only; a cache hit within ttl
// returns without a network call. The returned payload is the response's
// "data" member when present, otherwise the whole body.
func (c *BrivoAPIClient) Call(ctx context.Context, method, endpoint string, query url.Values, body any, cacheable bool) (json.RawMessage, error) {
	cacheable = cacheable && method == http.MethodGet

	var fingerprint string
	if cacheable {
		fingerprint = Fingerprint(method, endpoint, query)
		if cached, ok := c.cache.Get(fingerprint); ok {
			c.logger.Debug("Cache hit", "fingerprint", fingerprint)
			return json.RawMessage(cached), nil
		}
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	payload, err := c.dispatch(ctx, method, endpoint, query, bodyBytes)
	if err != nil {
		return nil, err
	}

	if cacheable {
		c.cache.Set(fingerprint, payload, c.config.CacheTTL)
	}

	return payload, nil
}

// dispatch runs the retry loop around the raw driver call.
func (c *BrivoAPIClient) dispatch(ctx context.Context, method, endpoint string, query url.Values, body []byte) (json.RawMessage, error) {
	var lastErr *models.APIError
	authRetried := false
	delay := c.config.Retry.InitialDelay

retryLoop:
	for attempt := 1; attempt <= c.config.Retry.MaxAttempts; {
		token, err := c.tokens.EnsureValidToken(ctx)
		if err != nil {
			// No request is sent when a token cannot be obtained.
			var apiErr *models.APIError
			if errors.As(err, &apiErr) {
				return nil, apiErr
			}
			return nil, models.NewAPIError(0, models.KindAuthFailure, err.Error())
		}

		resp, err := c.apiDriver.Do(ctx, method, endpoint, query, body, token.AccessToken)
		if err != nil {
			if ctx.Err() != nil {
				return nil, models.NewAPIError(0, models.KindTransientFailure, ctx.Err().Error())
			}
			lastErr = models.NewAPIError(0, models.KindTransientFailure, err.Error())
			c.logger.Warn("Request transport failure",
				"method", method,
				"endpoint", endpoint,
				"attempt", attempt,
				"error", err)
			attempt++
			if attempt > c.config.Retry.MaxAttempts {
				break
			}
			if err := c.backoff(ctx, &delay); err != nil {
				return nil, err
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if authRetried {
				// Second 401 in a row: the fresh token was rejected too.
				return nil, models.APIErrorFromResponse(resp.StatusCode, resp.Body)
			}
			authRetried = true
			c.logger.Warn("Received 401, invalidating token and retrying once",
				"method", method,
				"endpoint", endpoint)
			c.tokens.Invalidate()
			// The transparent auth retry does not consume a backoff attempt.
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = models.APIErrorFromResponse(resp.StatusCode, resp.Body)
			c.logger.Warn("Retriable API failure",
				"method", method,
				"endpoint", endpoint,
				"status_code", resp.StatusCode,
				"attempt", attempt)
			attempt++
			if attempt > c.config.Retry.MaxAttempts {
				break retryLoop
			}
			if err := c.backoff(ctx, &delay); err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode >= 400:
			// Non-retriable: surfaced immediately with the matching kind.
			apiErr := models.APIErrorFromResponse(resp.StatusCode, resp.Body)
			c.logger.Error("API request failed",
				"method", method,
				"endpoint", endpoint,
				"status_code", resp.StatusCode,
				"kind", apiErr.Kind)
			return nil, apiErr
		}

		return c.decodePayload(method, endpoint, resp)
	}

	if lastErr == nil {
		lastErr = models.NewAPIError(0, models.KindTransientFailure, "request failed")
	}
	// Exhausted retries always surface as transient, whatever the last status.
	return nil, models.NewAPIError(lastErr.HTTPStatus, models.KindTransientFailure,
		fmt.Sprintf("exhausted %d attempts: %s", c.config.Retry.MaxAttempts, lastErr.Message))
}

func (c *BrivoAPIClient) backoff(ctx context.Context, delay *time.Duration) error {
	select {
	case <-ctx.Done():
		return models.NewAPIError(0, models.KindTransientFailure, ctx.Err().Error())
	case <-time.After(*delay):
	}
	*delay = time.Duration(float64(*delay) * c.config.Retry.Multiplier)
	if *delay > c.config.Retry.MaxDelay {
		*delay = c.config.Retry.MaxDelay
	}
	return nil
}

func (c *BrivoAPIClient) decodePayload(method, endpoint string, resp *driver.APIResponse) (json.RawMessage, error) {
	if resp.StatusCode == http.StatusNoContent || len(resp.Body) == 0 {
		return json.RawMessage(`{}`), nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &probe); err != nil {
		// Not an object; accept arrays and reject anything unparsable.
		var anything json.RawMessage
		if arrErr := json.Unmarshal(resp.Body, &anything); arrErr != nil {
			c.logger.Error("Invalid JSON in API response",
				"method", method,
				"endpoint", endpoint,
				"status_code", resp.StatusCode)
			return nil, models.NewAPIError(resp.StatusCode, models.KindMalformedResponse, "invalid JSON response")
		}
		return resp.Body, nil
	}

	// Brivo wraps list results in a {"data": [...], "count": n} envelope.
	if data, ok := probe["data"]; ok {
		return data, nil
	}
	return resp.Body, nil
}

// ListAll walks a paginated list endpoint until a short page signals the end.
func (c *BrivoAPIClient) ListAll(ctx context.Context, endpoint string, query url.Values, cacheable bool) ([]json.RawMessage, error) {
	var all []json.RawMessage

	for offset := 0; ; offset += c.config.PageSize {
		pageQuery := url.Values{}
		for k, v := range query {
			pageQuery[k] = v
		}
		pageQuery.Set("pageSize", strconv.Itoa(c.config.PageSize))
		if offset > 0 {
			pageQuery.Set("offset", strconv.Itoa(offset))
		}

		payload, err := c.Call(ctx, http.MethodGet, endpoint, pageQuery, nil, cacheable)
		if err != nil {
			return nil, err
		}

		var page []json.RawMessage
		if err := json.Unmarshal(payload, &page); err != nil {
			return nil, models.NewAPIError(0, models.KindMalformedResponse,
				fmt.Sprintf("expected list payload from %s", endpoint))
		}

		all = append(all, page...)
		if len(page) < c.config.PageSize {
			return all, nil
		}
	}
}

// BrivoUser is the subset of the user resource the uploader works with.
type BrivoUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type brivoGroup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type brivoCustomField struct {
	ID        int64  `json:"id"`
	FieldName string `json:"fieldName"`
}

type brivoCredential struct {
	ID int64 `json:"id"`
}

// Healthcheck makes a minimal authenticated call to verify the token and the
// API are usable.
func (c *BrivoAPIClient) Healthcheck(ctx context.Context) error {
	_, err := c.Call(ctx, http.MethodGet, "/administrators", nil, nil, false)
	return err
}

// FindUserByMemberID looks a user up by the member ID custom field.
func (c *BrivoAPIClient) FindUserByMemberID(ctx context.Context, memberID string) (*BrivoUser, error) {
	fieldID, err := c.findMemberIDCustomField(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{"filter": {fmt.Sprintf("cf_%d__eq:%s", fieldID, memberID)}}
	payload, err := c.Call(ctx, http.MethodGet, "/users", query, nil, false)
	if err != nil {
		return nil, err
	}

	var users []BrivoUser
	if err := json.Unmarshal(payload, &users); err != nil {
		return nil, models.NewAPIError(0, models.KindMalformedResponse, "unexpected user list payload")
	}

	switch len(users) {
	case 0:
		return nil, fmt.Errorf("%w: member ID %s", ErrUserNotFound, memberID)
	case 1:
		return &users[0], nil
	default:
		return nil, fmt.Errorf("%w: member ID %s", ErrAmbiguousMemberID, memberID)
	}
}

// memberIDFieldNames are the spellings accepted for the member ID custom field.
var memberIDFieldNames = []string{
	"member id", "memberid", "member_id",
	"member_number", "member number", "membernumber",
}

// findMemberIDCustomField discovers the custom field Brivo stores member IDs
// in. The lookup is served from the response cache; the original memoized it.
func (c *BrivoAPIClient) findMemberIDCustomField(ctx context.Context) (int64, error) {
	payload, err := c.Call(ctx, http.MethodGet, "/custom-fields",
		url.Values{"pageSize": {strconv.Itoa(c.config.PageSize)}}, nil, true)
	if err != nil {
		return 0, err
	}

	var fields []brivoCustomField
	if err := json.Unmarshal(payload, &fields); err != nil {
		return 0, models.NewAPIError(0, models.KindMalformedResponse, "unexpected custom field payload")
	}

	for _, field := range fields {
		name := strings.ToLower(field.FieldName)
		for _, candidate := range memberIDFieldNames {
			if name == candidate {
				return field.ID, nil
			}
		}
	}

	return 0, fmt.Errorf("%w: expected one of %s", ErrMemberIDFieldNotFound, strings.Join(memberIDFieldNames, ","))
}

// FindGroupIDByName resolves a group name to its ID, case-insensitively.
// Served from the response cache.
func (c *BrivoAPIClient) FindGroupIDByName(ctx context.Context, name string) (int64, error) {
	payload, err := c.Call(ctx, http.MethodGet, "/groups",
		url.Values{"pageSize": {strconv.Itoa(c.config.PageSize)}}, nil, true)
	if err != nil {
		return 0, err
	}

	var groups []brivoGroup
	if err := json.Unmarshal(payload, &groups); err != nil {
		return 0, models.NewAPIError(0, models.KindMalformedResponse, "unexpected group list payload")
	}

	for _, group := range groups {
		if strings.EqualFold(group.Name, name) {
			return group.ID, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrGroupNotFound, name)
}

// findCredential resolves a card's reference ID within a facility to the
// internal credential ID. Served from the response cache.
func (c *BrivoAPIClient) findCredential(ctx context.Context, facilityCode, cardNumber string) (int64, error) {
	query := url.Values{
		"filter": {fmt.Sprintf("reference_id__eq:%s;facility_code__eq:%s", cardNumber, facilityCode)},
	}
	payload, err := c.Call(ctx, http.MethodGet, "/credentials", query, nil, true)
	if err != nil {
		return 0, err
	}

	var credentials []brivoCredential
	if err := json.Unmarshal(payload, &credentials); err != nil {
		return 0, models.NewAPIError(0, models.KindMalformedResponse, "unexpected credential list payload")
	}

	switch len(credentials) {
	case 0:
		return 0, fmt.Errorf("%w: reference ID %s, facility %s", ErrCredentialNotFound, cardNumber, facilityCode)
	case 1:
		return credentials[0].ID, nil
	default:
		return 0, fmt.Errorf("%w: reference ID %s, facility %s", ErrAmbiguousCredential, cardNumber, facilityCode)
	}
}

// CreateUser provisions or updates one user from an upload row and returns
// the Brivo user ID. An existing member with a different name is rejected;
// an existing member with a matching name has groups and credentials cleared
// before reassignment, which keeps the audit log readable.
func (c *BrivoAPIClient) CreateUser(ctx context.Context, record models.CreateRecord) (int64, error) {
	if (record.FacilityCode == "") != (record.CardNumber == "") {
		return 0, fmt.Errorf("both facility code and card number must be provided, or neither")
	}

	var userID int64

	existing, err := c.FindUserByMemberID(ctx, record.MemberID)
	switch {
	case err == nil:
		if existing.FirstName != record.FirstName || existing.LastName != record.LastName {
			return 0, fmt.Errorf("%w: member ID %s", ErrNameMismatch, record.MemberID)
		}
		c.logger.Info("Member exists with matching name, clearing assignments",
			"member_id", record.MemberID,
			"user_id", existing.ID)

		userID = existing.ID
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return c.RemoveAllGroupsFromUser(gctx, userID) })
		g.Go(func() error { return c.RemoveAllCredentialsFromUser(gctx, userID) })
		if err := g.Wait(); err != nil {
			return 0, err
		}

	case errors.Is(err, ErrUserNotFound):
		c.logger.Debug("Creating user", "member_id", record.MemberID)
		payload, err := c.Call(ctx, http.MethodPost, "/users", nil, map[string]string{
			"firstName": record.FirstName,
			"lastName":  record.LastName,
		}, false)
		if err != nil {
			return 0, err
		}
		var created BrivoUser
		if err := json.Unmarshal(payload, &created); err != nil || created.ID == 0 {
			return 0, models.NewAPIError(0, models.KindMalformedResponse, "create user response missing id")
		}
		userID = created.ID

	default:
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.setMemberID(gctx, userID, record.MemberID) })
	g.Go(func() error { return c.assignUserToGroups(gctx, userID, record.Groups) })
	if record.CardNumber != "" {
		g.Go(func() error { return c.AssignCard(gctx, userID, record.FacilityCode, record.CardNumber) })
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	return userID, nil
}

func (c *BrivoAPIClient) setMemberID(ctx context.Context, userID int64, memberID string) error {
	fieldID, err := c.findMemberIDCustomField(ctx)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("/users/%d/custom-fields/%d", userID, fieldID)
	_, err = c.Call(ctx, http.MethodPut, endpoint, nil, map[string]string{"value": memberID}, false)
	return err
}

func (c *BrivoAPIClient) assignUserToGroups(ctx context.Context, userID int64, groupNames []string) error {
	if len(groupNames) == 0 {
		return nil
	}

	groupIDs := make([]int64, 0, len(groupNames))
	for _, name := range groupNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, err := c.FindGroupIDByName(ctx, name)
		if err != nil {
			return err
		}
		groupIDs = append(groupIDs, id)
	}
	if len(groupIDs) == 0 {
		return nil
	}

	endpoint := fmt.Sprintf("/users/%d/groups", userID)
	_, err := c.Call(ctx, http.MethodPost, endpoint, nil, map[string][]int64{"addGroups": groupIDs}, false)
	return err
}

// AssignCard assigns the card with the given reference ID to the user. The
// card must already exist as a credential in the facility.
func (c *BrivoAPIClient) AssignCard(ctx context.Context, userID int64, facilityCode, cardNumber string) error {
	credentialID, err := c.findCredential(ctx, facilityCode, cardNumber)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("/users/%d/credentials/%d", userID, credentialID)
	_, err = c.Call(ctx, http.MethodPut, endpoint, nil, nil, false)
	return err
}

// ListUserCredentialIDs returns the IDs of every credential assigned to the user.
func (c *BrivoAPIClient) ListUserCredentialIDs(ctx context.Context, userID int64) ([]int64, error) {
	endpoint := fmt.Sprintf("/users/%d/credentials", userID)
	payload, err := c.Call(ctx, http.MethodGet, endpoint, nil, nil, false)
	if err != nil {
		return nil, err
	}

	var credentials []brivoCredential
	if err := json.Unmarshal(payload, &credentials); err != nil {
		return nil, models.NewAPIError(0, models.KindMalformedResponse, "unexpected credential list payload")
	}

	ids := make([]int64, 0, len(credentials))
	for _, credential := range credentials {
		ids = append(ids, credential.ID)
	}
	return ids, nil
}

// RemoveAllCredentialsFromUser unassigns every credential from the user,
// five deletions at a time.
func (c *BrivoAPIClient) RemoveAllCredentialsFromUser(ctx context.Context, userID int64) error {
	ids, err := c.ListUserCredentialIDs(ctx, userID)
	if err != nil {
		return err
	}

	const batchSize = 5
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range ids[start:end] {
			endpoint := fmt.Sprintf("/users/%d/credentials/%d", userID, id)
			g.Go(func() error {
				_, err := c.Call(gctx, http.MethodDelete, endpoint, nil, nil, false)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// RemoveAllGroupsFromUser clears the user's group memberships.
func (c *BrivoAPIClient) RemoveAllGroupsFromUser(ctx context.Context, userID int64) error {
	endpoint := fmt.Sprintf("/users/%d/groups", userID)
	payload, err := c.Call(ctx, http.MethodGet, endpoint, nil, nil, false)
	if err != nil {
		return err
	}

	var groups []brivoGroup
	if err := json.Unmarshal(payload, &groups); err != nil {
		return models.NewAPIError(0, models.KindMalformedResponse, "unexpected group list payload")
	}
	if len(groups) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(groups))
	for _, group := range groups {
		ids = append(ids, group.ID)
	}

	_, err = c.Call(ctx, http.MethodPost, endpoint, nil, map[string][]int64{"removeGroups": ids}, false)
	return err
}

// ToggleMemberSuspend flips a member's suspended flag. When a name is given
// it must match the stored user; a mismatch is refused as a safety check.
func (c *BrivoAPIClient) ToggleMemberSuspend(ctx context.Context, record models.SuspendRecord) error {
	user, err := c.FindUserByMemberID(ctx, record.MemberID)
	if err != nil {
		return err
	}

	if (record.FirstName != "" || record.LastName != "") &&
		(user.FirstName != record.FirstName || user.LastName != record.LastName) {
		return fmt.Errorf("%w: refusing to suspend member ID %s", ErrNameMismatch, record.MemberID)
	}

	endpoint := fmt.Sprintf("/users/%d/suspended", user.ID)
	_, err = c.Call(ctx, http.MethodPut, endpoint, nil, map[string]bool{"suspended": record.Suspend}, false)
	return err
}

// DeleteUser removes a user entirely. The confirmation flag guards against
// accidental deletion from scripted callers.
func (c *BrivoAPIClient) DeleteUser(ctx context.Context, userID int64, confirmed bool) error {
	if !confirmed {
		return ErrDeleteNotConfirmed
	}
	endpoint := fmt.Sprintf("/users/%d", userID)
	_, err := c.Call(ctx, http.MethodDelete, endpoint, nil, nil, false)
	return err
}
