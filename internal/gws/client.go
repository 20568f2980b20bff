package gws

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/agentworkforce/groupsync/internal/membersync"
)

const DefaultStem = "u_edms"

type Options struct {
	SearchBaseURL string
	GroupBaseURL  string
	// Stem limits group searches to one branch of the group tree.
	Stem       string
	HTTPClient *http.Client
}

// Client reads memberships from the group web service XHTML API.
type Client struct {
	searchBase string
	groupBase  string
	stem       string
	httpClient *http.Client
}

var _ membersync.MembershipSource = (*Client)(nil)

func NewClient(opts Options) *Client {
	stem := strings.TrimSpace(opts.Stem)
	if stem == "" {
		stem = DefaultStem
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	groupBase := strings.TrimRight(strings.TrimSpace(opts.GroupBaseURL), "/")
	searchBase := strings.TrimRight(strings.TrimSpace(opts.SearchBaseURL), "/")
	if groupBase == "" {
		groupBase = searchBase
	}
	return &Client{
		searchBase: searchBase,
		groupBase:  groupBase,
		stem:       stem,
		httpClient: httpClient,
	}
}

// GetGroups returns the effective groups of username under the configured
// stem. A person the service does not know has no groups.
func (c *Client) GetGroups(ctx context.Context, username string) ([]membersync.Group, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", membersync.ErrInvalidInput)
	}
	q := url.Values{}
	q.Set("type", "effective")
	q.Set("stem", c.stem)
	q.Set("member", username)
	body, err := c.get(ctx, "search groups of "+username, c.searchBase+"/group_sws/v2/search?"+q.Encode())
	if membersync.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseGroups(body)
}

// GetMembers returns the effective person members of groupID.
func (c *Client) GetMembers(ctx context.Context, groupID string) ([]string, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("%w: group id is required", membersync.ErrInvalidInput)
	}
	body, err := c.get(ctx, "get members of "+groupID, c.groupBase+"/group_sws/v2/group/"+url.PathEscape(groupID)+"/effective_member")
	if err != nil {
		return nil, err
	}
	return ParseMembers(body)
}

func (c *Client) get(ctx context.Context, op, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/xhtml")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, membersync.Fail(op, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, membersync.Fail(op, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", membersync.ErrNotFound, op)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, membersync.Fail(op, fmt.Errorf("http %d", resp.StatusCode))
	}
	return payload, nil
}

// ParseGroups reads the group references of a search result page. The id
// comes from the name link and the display name from the title span.
func ParseGroups(body []byte) ([]membersync.Group, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, membersync.Fail("parse group search page", err)
	}
	groups := []membersync.Group{}
	walk(root, func(n *html.Node) bool {
		if n.Data != "li" || !hasClass(n, "groupreference") {
			return true
		}
		group := membersync.Group{}
		walk(n, func(child *html.Node) bool {
			switch {
			case child.Data == "span" && hasClass(child, "title"):
				group.DisplayName = textOf(child)
			case child.Data == "a" && hasClass(child, "name"):
				group.ID = textOf(child)
			}
			return true
		})
		if group.ID != "" {
			groups = append(groups, group)
		}
		return false
	})
	return groups, nil
}

// ParseMembers reads the uwnetid members of an effective member page.
// Members of other types are left out.
func ParseMembers(body []byte) ([]string, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, membersync.Fail("parse member page", err)
	}
	seen := map[string]struct{}{}
	members := []string{}
	walk(root, func(n *html.Node) bool {
		if !hasClass(n, "effective_member") && !hasClass(n, "member") {
			return true
		}
		if attr(n, "type") != "uwnetid" {
			return true
		}
		id := textOf(n)
		if _, ok := seen[id]; id != "" && !ok {
			seen[id] = struct{}{}
			members = append(members, id)
		}
		return false
	})
	return members, nil
}

// walk visits element nodes depth first. Returning false from visit skips
// the children of that node.
func walk(n *html.Node, visit func(*html.Node) bool) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && !visit(child) {
			continue
		}
		walk(child, visit)
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			collect(child)
		}
	}
	collect(n)
	return strings.TrimSpace(b.String())
}
