// Package directory is the LDAP adapter: a pooled, paginated search client
// plus the small set of write operations the automation agent needs.
package directory

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

const (
	// DefaultPageSize is the server-side paging control page size.
	DefaultPageSize = 100
	// DefaultPoolSize bounds the number of concurrently bound connections.
	DefaultPoolSize = 10
)

// Options configures the directory client.
type Options struct {
	URI      string
	BindDN   string
	Password string
	// TLSCertificate is an optional PEM CA bundle for ldaps connections.
	TLSCertificate string
	PageSize       uint32
	PoolSize       int
}

// Entry is one directory search result: a distinguished name and its
// attribute values decoded to UTF-8 strings.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// Get returns the first value of an attribute, or "" when absent.
func (e Entry) Get(attribute string) string {
	values := e.Attributes[attribute]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Client is a pooled LDAP client. Connections are bound once at Connect and
// borrowed per operation so concurrent searches do not serialize on a
// single socket.
type Client struct {
	opts Options
	pool chan *ldap.Conn
	log  *slog.Logger
}

// NewClient builds an unconnected client. Call Connect before use.
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	return &Client{
		opts: opts,
		pool: make(chan *ldap.Conn, opts.PoolSize),
		log:  logger,
	}
}

// Connect dials and binds the connection pool.
func (c *Client) Connect() error {
	var dialOpts []ldap.DialOpt
	if c.opts.TLSCertificate != "" {
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM([]byte(c.opts.TLSCertificate)) {
			return fmt.Errorf("no usable CA certificates in configured TLS certificate")
		}
		dialOpts = append(dialOpts, ldap.DialWithTLSConfig(&tls.Config{RootCAs: roots}))
	}

	for i := 0; i < c.opts.PoolSize; i++ {
		conn, err := ldap.DialURL(c.opts.URI, dialOpts...)
		if err != nil {
			c.Close()
			return fmt.Errorf("dial %s: %w", c.opts.URI, err)
		}
		if err := conn.Bind(c.opts.BindDN, c.opts.Password); err != nil {
			conn.Close()
			c.Close()
			return fmt.Errorf("bind as %s: %w", c.opts.BindDN, err)
		}
		c.pool <- conn
	}

	c.log.Debug("directory connection pool ready", "uri", c.opts.URI, "size", c.opts.PoolSize)
	return nil
}

// Close shuts down every pooled connection.
func (c *Client) Close() {
	for {
		select {
		case conn := <-c.pool:
			conn.Close()
		default:
			return
		}
	}
}

func (c *Client) borrow() (*ldap.Conn, error) {
	conn, ok := <-c.pool
	if !ok || conn == nil {
		return nil, fmt.Errorf("directory connection pool is closed")
	}
	return conn, nil
}

func (c *Client) release(conn *ldap.Conn) {
	c.pool <- conn
}

// Search performs a fully paginated subtree search and returns every entry.
// Referral results (entries without a DN) are filtered out, never surfaced
// as errors.
func (c *Client) Search(base, filter string, attributes []string) ([]Entry, error) {
	c.log.Info(fmt.Sprintf("> ldapsearch -x -b %q -D %q -H %s %q %s",
		base, c.opts.BindDN, c.opts.URI, filter, strings.Join(attributes, " ")))

	conn, err := c.borrow()
	if err != nil {
		return nil, err
	}
	defer c.release(conn)

	paging := ldap.NewControlPaging(c.opts.PageSize)
	request := ldap.NewSearchRequest(
		base,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter,
		attributes,
		[]ldap.Control{paging},
	)

	var entries []Entry
	referrals := 0
	for {
		result, err := conn.Search(request)
		if err != nil {
			return nil, fmt.Errorf("search %q under %q: %w", filter, base, err)
		}

		for _, entry := range result.Entries {
			if entry.DN == "" {
				referrals++
				continue
			}
			entries = append(entries, decodeEntry(entry))
		}

		control, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
		if !ok || len(control.Cookie) == 0 {
			break
		}
		paging.SetCookie(control.Cookie)
	}

	if referrals > 0 {
		c.log.Debug("skipped referral entries in search response", "base", base, "count", referrals)
	}
	return entries, nil
}

// AddEntry creates a directory object with the given attributes.
func (c *Client) AddEntry(dn string, attributes map[string][]string) error {
	c.log.Info(fmt.Sprintf("> ldapadd -x -D %q -H %s %q", c.opts.BindDN, c.opts.URI, dn))

	conn, err := c.borrow()
	if err != nil {
		return err
	}
	defer c.release(conn)

	request := ldap.NewAddRequest(dn, nil)
	for attribute, values := range attributes {
		request.Attribute(attribute, values)
	}
	if err := conn.Add(request); err != nil {
		return fmt.Errorf("add %q: %w", dn, err)
	}
	return nil
}

// ModifyEntry replaces the given attributes on an existing object.
func (c *Client) ModifyEntry(dn string, replace map[string][]string) error {
	c.log.Info(fmt.Sprintf("> ldapmodify -x -D %q -H %s %q", c.opts.BindDN, c.opts.URI, dn))

	conn, err := c.borrow()
	if err != nil {
		return err
	}
	defer c.release(conn)

	request := ldap.NewModifyRequest(dn, nil)
	for attribute, values := range replace {
		request.Replace(attribute, values)
	}
	if err := conn.Modify(request); err != nil {
		return fmt.Errorf("modify %q: %w", dn, err)
	}
	return nil
}

// DeleteEntry removes a directory object.
func (c *Client) DeleteEntry(dn string) error {
	c.log.Info(fmt.Sprintf("> ldapdelete -x -D %q -H %s %q", c.opts.BindDN, c.opts.URI, dn))

	conn, err := c.borrow()
	if err != nil {
		return err
	}
	defer c.release(conn)

	if err := conn.Del(ldap.NewDelRequest(dn, nil)); err != nil {
		return fmt.Errorf("delete %q: %w", dn, err)
	}
	return nil
}

func decodeEntry(entry *ldap.Entry) Entry {
	attributes := make(map[string][]string, len(entry.Attributes))
	for _, attribute := range entry.Attributes {
		attributes[attribute.Name] = attribute.Values
	}
	return Entry{DN: entry.DN, Attributes: attributes}
}
