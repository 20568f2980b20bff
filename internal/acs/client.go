package acs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/groupsync/internal/membersync"
)

const (
	apiPrefix   = "/alfresco/api/-default-/public/alfresco/versions/1"
	groupPrefix = "GROUP_"
	pageSize    = 1000
)

// HTTPError is a non-2xx answer from the content services API. It never
// carries request headers, so credentials cannot leak through it.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: http %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case membersync.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case membersync.ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

type Options struct {
	HTTPClient *http.Client
	// RequestsPerSecond caps the call rate of the client. Zero disables the
	// limit.
	RequestsPerSecond float64
	Burst             int
}

// Client is the target store backed by the Alfresco public REST API. It
// authenticates every call with the admin account and keeps the session
// cookie between calls.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ membersync.TargetStore = (*Client)(nil)

func NewClient(baseURL, username, password string, opts Options) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", membersync.ErrInvalidInput)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		clone := *httpClient
		clone.Jar = jar
		httpClient = &clone
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return &Client{
		baseURL:    baseURL + apiPrefix,
		username:   username,
		password:   password,
		httpClient: httpClient,
		limiter:    limiter,
	}, nil
}

type personEntry struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
}

type groupEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	MemberType  string `json:"memberType,omitempty"`
}

type entryEnvelope[T any] struct {
	Entry T `json:"entry"`
}

type listEnvelope[T any] struct {
	List struct {
		Pagination struct {
			Count        int  `json:"count"`
			HasMoreItems bool `json:"hasMoreItems"`
			SkipCount    int  `json:"skipCount"`
		} `json:"pagination"`
		Entries []entryEnvelope[T] `json:"entries"`
	} `json:"list"`
}

func (c *Client) CreateUser(ctx context.Context, user membersync.User) error {
	body := personEntry{
		ID:        user.UserName,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Email:     user.Email,
	}
	if strings.TrimSpace(body.ID) == "" {
		return fmt.Errorf("%w: user id is required", membersync.ErrInvalidInput)
	}
	return c.doJSON(ctx, http.MethodPost, "/people", body, nil)
}

func (c *Client) GetUser(ctx context.Context, username string) (membersync.User, error) {
	var out entryEnvelope[personEntry]
	if err := c.doJSON(ctx, http.MethodGet, "/people/"+url.PathEscape(username), nil, &out); err != nil {
		return membersync.User{}, err
	}
	return membersync.User{
		UserName:  out.Entry.ID,
		FirstName: out.Entry.FirstName,
		LastName:  out.Entry.LastName,
		Email:     out.Entry.Email,
	}, nil
}

// GetUserGroups returns the groups username belongs to with the GROUP_ tag
// removed from their ids.
func (c *Client) GetUserGroups(ctx context.Context, username string) ([]membersync.Group, error) {
	q := url.Values{}
	q.Set("fields", "id,displayName")
	entries, err := listAll[groupEntry](ctx, c, "/people/"+url.PathEscape(username)+"/groups", q)
	if err != nil {
		return nil, err
	}
	groups := make([]membersync.Group, 0, len(entries))
	for _, entry := range entries {
		groups = append(groups, membersync.Group{ID: stripGroupPrefix(entry.ID), DisplayName: entry.DisplayName})
	}
	return groups, nil
}

// GetMembers lists the person members of groupID.
func (c *Client) GetMembers(ctx context.Context, groupID string) ([]string, error) {
	q := url.Values{}
	q.Set("where", "(memberType='PERSON')")
	entries, err := listAll[groupEntry](ctx, c, "/groups/"+url.PathEscape(withGroupPrefix(groupID))+"/members", q)
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(entries))
	for _, entry := range entries {
		members = append(members, entry.ID)
	}
	return members, nil
}

// AddMember adds memberID to groupID. Group members are addressed by their
// tagged id; the display name only matters for them.
func (c *Client) AddMember(ctx context.Context, groupID, memberID, displayName string, memberType membersync.MemberType) error {
	if memberType == "" {
		memberType = membersync.MemberPerson
	}
	if memberType == membersync.MemberGroup {
		memberID = withGroupPrefix(memberID)
	}
	body := groupEntry{ID: memberID, DisplayName: displayName, MemberType: string(memberType)}
	return c.doJSON(ctx, http.MethodPost, "/groups/"+url.PathEscape(withGroupPrefix(groupID))+"/members", body, nil)
}

func (c *Client) RemoveMember(ctx context.Context, groupID, memberID string) error {
	path := "/groups/" + url.PathEscape(withGroupPrefix(groupID)) + "/members/" + url.PathEscape(memberID)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func listAll[T any](ctx context.Context, c *Client, path string, q url.Values) ([]T, error) {
	var out []T
	skip := 0
	for {
		q.Set("maxItems", strconv.Itoa(pageSize))
		q.Set("skipCount", strconv.Itoa(skip))
		var page listEnvelope[T]
		if err := c.doJSON(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		for _, entry := range page.List.Entries {
			out = append(out, entry.Entry)
		}
		if !page.List.Pagination.HasMoreItems || len(page.List.Entries) == 0 {
			return out, nil
		}
		skip += len(page.List.Entries)
	}
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(encoded)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return membersync.Fail(method+" "+trimQuery(requestPath), err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return membersync.Fail(method+" "+trimQuery(requestPath), readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return membersync.Fail(method+" "+trimQuery(requestPath), err)
		}
		return nil
	}

	var errPayload struct {
		Error struct {
			ErrorKey     string `json:"errorKey"`
			BriefSummary string `json:"briefSummary"`
		} `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	httpErr := &HTTPError{
		Method:     method,
		Path:       trimQuery(requestPath),
		StatusCode: resp.StatusCode,
		Code:       errPayload.Error.ErrorKey,
		Message:    errPayload.Error.BriefSummary,
	}
	if errors.Is(httpErr, membersync.ErrNotFound) || errors.Is(httpErr, membersync.ErrConflict) {
		return httpErr
	}
	return &membersync.Failure{Op: method + " " + httpErr.Path, Err: httpErr}
}

func withGroupPrefix(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, groupPrefix) {
		return id
	}
	return groupPrefix + id
}

func stripGroupPrefix(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), groupPrefix)
}

func trimQuery(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}
