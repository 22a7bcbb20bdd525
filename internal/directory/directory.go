// Package directory checks user credentials against the organization's
// directory service and fetches the user's profile.
package directory

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("mydb.directory")

// Status is the outcome of a credential check.
type Status string

const (
	Good         Status = "Good"
	NoAuth       Status = "noAuth"
	Error        Status = "Error"
	SearchError  Status = "LDAP Search Error"
	SearchFailed Status = "LDAP Search Failed"
)

const (
	ldapsPort   = 636
	dialTimeout = 10 * time.Second
)

var profileAttributes = []string{"displayName", "uid", "mail", "manager", "department"}

// Profile is what the directory knows about a user.
type Profile struct {
	Username    string
	DisplayName string
	Mail        string
	Manager     string
	Department  string
}

// conn is the part of *ldap.Conn the check uses.
type conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Client verifies credentials with a simple bind over LDAPS.
type Client struct {
	server     string
	domain     string
	searchBase string
	dial       func(ctx context.Context, url string) (conn, error)
}

// New returns a client for the directory at server. Users bind as
// username@domain.
func New(server, domain, searchBase string) *Client {
	return &Client{
		server:     server,
		domain:     domain,
		searchBase: searchBase,
		dial:       dialLDAPS,
	}
}

func dialLDAPS(ctx context.Context, url string) (conn, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		d.Deadline = deadline
	}
	c, err := ldap.DialURL(url, ldap.DialWithDialer(d))
	if err != nil {
		return nil, err
	}
	c.SetTimeout(dialTimeout)
	return c, nil
}

func (c *Client) url() string {
	if strings.Contains(c.server, "://") {
		return c.server
	}
	return fmt.Sprintf("ldaps://%s:%d", c.server, ldapsPort)
}

// Verify binds as the user and looks up their profile. The profile is
// only set when the status is Good.
func (c *Client) Verify(ctx context.Context, username, password string) (Status, *Profile) {
	// An empty password would be an unauthenticated bind, which succeeds.
	if username == "" || password == "" {
		return NoAuth, nil
	}
	lc, err := c.dial(ctx, c.url())
	if err != nil {
		logger.Errorf("connecting to %s: %v", c.url(), err)
		return Error, nil
	}
	defer lc.Close()

	if err := lc.Bind(username+"@"+c.domain, password); err != nil {
		if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
			logger.Errorf("binding to %s: %v", c.url(), err)
			return Error, nil
		}
		logger.Infof("bind as %s rejected: %v", username, err)
		return NoAuth, nil
	}

	req := ldap.NewSearchRequest(
		c.searchBase,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, int(dialTimeout.Seconds()), false,
		fmt.Sprintf("(uid=%s)", ldap.EscapeFilter(username)),
		profileAttributes,
		nil,
	)
	res, err := lc.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
			logger.Errorf("searching %s: %v", c.searchBase, err)
			return Error, nil
		}
		logger.Warningf("search for %s: %v", username, err)
		return SearchError, nil
	}
	if len(res.Entries) == 0 {
		logger.Infof("no directory entry for %s", username)
		return SearchFailed, nil
	}
	return Good, profileOf(res.Entries[0])
}

func profileOf(e *ldap.Entry) *Profile {
	p := &Profile{
		Username:    e.GetAttributeValue("uid"),
		DisplayName: e.GetAttributeValue("displayName"),
		Mail:        e.GetAttributeValue("mail"),
		Department:  e.GetAttributeValue("department"),
		Manager:     ParseManager(e.GetAttributeValue("manager")),
	}
	if last, first, ok := strings.Cut(p.DisplayName, ", "); ok {
		p.DisplayName = first + " " + last
	}
	return p
}

// ParseManager returns the name in the first CN of a distinguished name,
// reordered to "First Last" when written "Last, First". Anything
// unparseable yields "NA".
func ParseManager(dn string) string {
	if len(dn) < 2 {
		return "NA"
	}
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		logger.Debugf("manager %q: %v", dn, err)
		return "NA"
	}
	for _, rdn := range parsed.RDNs {
		for _, attr := range rdn.Attributes {
			if !strings.EqualFold(attr.Type, "cn") {
				continue
			}
			if last, first, ok := strings.Cut(attr.Value, ","); ok {
				return strings.TrimSpace(first) + " " + strings.TrimSpace(last)
			}
			return attr.Value
		}
	}
	return "NA"
}
