package target

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/meshsync/internal/ir"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	URL      string
	Username string
	Password string

	// Timeout bounds every single request. Zero means 30 seconds.
	Timeout time.Duration

	// Retries is how many times an idempotent read is retried after a
	// transient failure.
	Retries int

	// RetryInterval is the initial backoff interval. Zero means 200ms.
	RetryInterval time.Duration

	// Debug logs every request and error body.
	Debug bool

	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Client is a Repository backed by the target's REST API.
type Client struct {
	base     string
	username string
	password string
	http     *http.Client
	retries  int
	interval time.Duration
	logger   *slog.Logger
}

var _ Repository = (*Client)(nil)

// NewClient validates opts and builds a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid target url %q: %w", opts.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid target url %q: scheme must be http or https", opts.URL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if opts.Timeout > 0 {
		hc.Timeout = opts.Timeout
	} else if hc.Timeout == 0 {
		hc.Timeout = 30 * time.Second
	}
	if opts.Debug {
		hc = EnableDebugLogging(hc, logger)
	}
	interval := opts.RetryInterval
	if interval == 0 {
		interval = 200 * time.Millisecond
	}

	return &Client{
		base:     strings.TrimRight(u.String(), "/") + APIPrefix,
		username: opts.Username,
		password: opts.Password,
		http:     hc,
		retries:  opts.Retries,
		interval: interval,
		logger:   logger,
	}, nil
}

// get issues an idempotent read, retrying transient failures with
// exponential backoff.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.interval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := c.do(ctx, http.MethodGet, path, query, nil, out)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			c.logger.Debug("retrying target read", "path", path, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path
	endpoint := c.base + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Connection failures and client timeouts heal on retry.
		return &TransientError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Op: op, Err: err}
	}
	if resp.StatusCode >= 300 {
		return decodeError(op, resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func decodeError(op string, status int, data []byte) error {
	var body errorBody
	_ = json.Unmarshal(data, &body)
	message := body.Message
	if message == "" {
		message = strings.TrimSpace(string(data))
	}

	switch {
	case status == http.StatusNotFound:
		kind, name := body.Kind, body.Name
		if kind == "" {
			kind, name = "resource", op
		}
		return &NotFoundError{Kind: kind, Name: name}
	case status == http.StatusConflict && body.Conflict != nil:
		return body.Conflict
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("status %d: %s", status, message)}
	default:
		return fmt.Errorf("%s: status %d: %s", op, status, message)
	}
}

func seg(s string) string { return url.PathEscape(s) }

func kindQuery(kind ir.SchemaKind) url.Values {
	return url.Values{"kind": []string{string(kind)}}
}

// Projects implements Repository.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.get(ctx, "/projects", nil, &out)
	return out, err
}

// CreateProject implements Repository.
func (c *Client) CreateProject(ctx context.Context, p Project) error {
	return c.do(ctx, http.MethodPost, "/projects", nil, p, nil)
}

// UpdateProject implements Repository.
func (c *Client) UpdateProject(ctx context.Context, p Project) error {
	return c.do(ctx, http.MethodPut, "/projects/"+seg(p.UUID), nil, p, nil)
}

// Schemas implements Repository.
func (c *Client) Schemas(ctx context.Context, kind ir.SchemaKind) ([]ir.SchemaDescriptor, error) {
	var out []ir.SchemaDescriptor
	err := c.get(ctx, "/schemas", kindQuery(kind), &out)
	return out, err
}

// CreateSchema implements Repository.
func (c *Client) CreateSchema(ctx context.Context, desc ir.SchemaDescriptor) (ir.SchemaDescriptor, error) {
	var out ir.SchemaDescriptor
	err := c.do(ctx, http.MethodPost, "/schemas", nil, desc, &out)
	return out, err
}

// UpdateSchema implements Repository.
func (c *Client) UpdateSchema(ctx context.Context, desc ir.SchemaDescriptor) (ir.SchemaDescriptor, string, error) {
	var out schemaUpdateResponse
	err := c.do(ctx, http.MethodPut, "/schemas/"+seg(desc.Name), nil, desc, &out)
	return out.Schema, out.Job, err
}

// ProjectSchemas implements Repository.
func (c *Client) ProjectSchemas(ctx context.Context, project string, kind ir.SchemaKind) ([]ir.SchemaRef, error) {
	var out []ir.SchemaRef
	err := c.get(ctx, "/projects/"+seg(project)+"/schemas", kindQuery(kind), &out)
	return out, err
}

// AssignSchema implements Repository.
func (c *Client) AssignSchema(ctx context.Context, project string, kind ir.SchemaKind, name string) error {
	return c.do(ctx, http.MethodPost, "/projects/"+seg(project)+"/schemas/"+seg(name), kindQuery(kind), nil, nil)
}

// Branches implements Repository.
func (c *Client) Branches(ctx context.Context, project string) ([]Branch, error) {
	var out []Branch
	err := c.get(ctx, "/projects/"+seg(project)+"/branches", nil, &out)
	return out, err
}

// CreateBranch implements Repository.
func (c *Client) CreateBranch(ctx context.Context, project, name, base string) error {
	return c.do(ctx, http.MethodPost, "/projects/"+seg(project)+"/branches", nil,
		createBranchRequest{Name: name, Base: base}, nil)
}

// TagBranch implements Repository.
func (c *Client) TagBranch(ctx context.Context, project, branch string, tags []string) error {
	return c.do(ctx, http.MethodPut, "/projects/"+seg(project)+"/branches/"+seg(branch)+"/tags", nil,
		tagsRequest{Tags: tags}, nil)
}

// PinSchema implements Repository.
func (c *Client) PinSchema(ctx context.Context, project, branch string, ref ir.SchemaRef) (string, error) {
	var out jobResponse
	err := c.do(ctx, http.MethodPost, "/projects/"+seg(project)+"/branches/"+seg(branch)+"/pins", nil, ref, &out)
	return out.Job, err
}

func nodePath(project, branch, uuid string) string {
	return "/projects/" + seg(project) + "/branches/" + seg(branch) + "/nodes/" + seg(uuid)
}

// Node implements Repository.
func (c *Client) Node(ctx context.Context, project, branch, lang, uuid string) (Node, error) {
	var out Node
	err := c.get(ctx, nodePath(project, branch, uuid), url.Values{"lang": []string{lang}}, &out)
	return out, err
}

// UpsertNode implements Repository.
func (c *Client) UpsertNode(ctx context.Context, project, branch string, n Node) error {
	return c.do(ctx, http.MethodPut, nodePath(project, branch, n.UUID), nil, n, nil)
}

// DeleteNode implements Repository.
func (c *Client) DeleteNode(ctx context.Context, project, branch, uuid string) error {
	return c.do(ctx, http.MethodDelete, nodePath(project, branch, uuid), nil, nil, nil)
}

// NodeLanguages implements Repository.
func (c *Client) NodeLanguages(ctx context.Context, project, branch, uuid string) ([]string, error) {
	out := []string{}
	err := c.get(ctx, nodePath(project, branch, uuid)+"/languages", nil, &out)
	return out, err
}

// DeleteNodeLanguage implements Repository.
func (c *Client) DeleteNodeLanguage(ctx context.Context, project, branch, lang, uuid string) error {
	return c.do(ctx, http.MethodDelete, nodePath(project, branch, uuid), url.Values{"lang": []string{lang}}, nil, nil)
}

// Roles implements Repository.
func (c *Client) Roles(ctx context.Context) ([]Role, error) {
	var out []Role
	err := c.get(ctx, "/roles", nil, &out)
	return out, err
}

// CreateRole implements Repository.
func (c *Client) CreateRole(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/roles", nil, roleRequest{Name: name}, nil)
}

// Permissions implements Repository.
func (c *Client) Permissions(ctx context.Context, e Element) (map[string][]string, error) {
	out := map[string][]string{}
	q := url.Values{"kind": []string{string(e.Kind)}, "project": []string{e.Project}}
	if e.Name != "" {
		q.Set("name", e.Name)
	}
	err := c.get(ctx, "/permissions", q, &out)
	return out, err
}

// SetPermissions implements Repository.
func (c *Client) SetPermissions(ctx context.Context, role string, e Element, perms []string) error {
	return c.do(ctx, http.MethodPut, "/roles/"+seg(role)+"/permissions", nil,
		permissionsRequest{Element: e, Permissions: perms}, nil)
}
