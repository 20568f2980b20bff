package pws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/groupsync/internal/membersync"
)

const DefaultEmailDomain = "@uw.edu"

type person struct {
	UWNetID                   string `json:"UWNetID"`
	RegisteredFirstMiddleName string `json:"RegisteredFirstMiddleName"`
	RegisteredSurname         string `json:"RegisteredSurname"`
}

// Client reads person records from the person web service.
type Client struct {
	baseURL     string
	emailDomain string
	httpClient  *http.Client
}

var _ membersync.IdentitySource = (*Client)(nil)

func NewClient(baseURL, emailDomain string, httpClient *http.Client) *Client {
	if strings.TrimSpace(emailDomain) == "" {
		emailDomain = DefaultEmailDomain
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:     strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		emailDomain: strings.TrimSpace(emailDomain),
		httpClient:  httpClient,
	}
}

func (c *Client) GetUser(ctx context.Context, username string) (membersync.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return membersync.User{}, fmt.Errorf("%w: username is required", membersync.ErrInvalidInput)
	}
	op := "get person " + username
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/identity/v1/person/"+url.PathEscape(username)+"/full.json", nil)
	if err != nil {
		return membersync.User{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return membersync.User{}, membersync.Fail(op, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return membersync.User{}, fmt.Errorf("%w: person %s", membersync.ErrNotFound, username)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		return membersync.User{}, membersync.Fail(op, fmt.Errorf("http %d", resp.StatusCode))
	}
	var p person
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return membersync.User{}, membersync.Fail(op, err)
	}
	return c.toUser(p), nil
}

func (c *Client) toUser(p person) membersync.User {
	return membersync.User{
		UserName:  p.UWNetID,
		FirstName: p.RegisteredFirstMiddleName,
		LastName:  p.RegisteredSurname,
		Email:     p.UWNetID + c.emailDomain,
	}
}
