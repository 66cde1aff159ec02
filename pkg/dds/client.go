// Package dds is the client for the data service: a hierarchical object
// store of projects containing folders and files, uploaded and downloaded in
// explicitly numbered chunks.
package dds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chorusdata/dsync/pkg/config"
	"github.com/chorusdata/dsync/pkg/errors"
	"github.com/chorusdata/dsync/pkg/tree"
)

// HashAlgorithm is the content hash the service verifies. It must match what
// the client computes locally.
const HashAlgorithm = "md5"

// Client talks to the data service over its JSON API. It's safe for use from
// many workers at once.
type Client struct {
	baseURL  string
	agentKey string
	userKey  string

	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// New creates a data service client from the user's config.
func New(cfg config.Config) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		agentKey:   cfg.AgentKey,
		userKey:    cfg.UserKey,
		token:      cfg.AuthToken,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// Parent identifies the container a folder or file is created under.
type Parent struct {
	Kind tree.Kind
	ID   string
}

// Project is the service's record of a project.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ResolveProject looks up a project by name. A missing project is reported
// as errors.NotFound, which upload treats as "create it" and download treats
// as fatal.
func (c *Client) ResolveProject(ctx context.Context, name string) (Project, error) {
	var resp struct {
		Results []Project `json:"results"`
	}
	path := "/projects?name=" + url.QueryEscape(name)
	if err := c.doJSON(ctx, "GET", path, nil, &resp); err != nil {
		return Project{}, err
	}

	for _, project := range resp.Results {
		if project.Name == name {
			return project, nil
		}
	}
	return Project{}, errors.NotFound{Resource: fmt.Sprintf("project %q", name)}
}

// CreateProject creates a new project and returns its id.
func (c *Client) CreateProject(ctx context.Context, name string) (string, error) {
	req := map[string]string{"name": name}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, "POST", "/projects", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CreateFolder creates a folder under the given parent and returns its id.
func (c *Client) CreateFolder(ctx context.Context, parent Parent, name string) (string, error) {
	req := map[string]interface{}{
		"name":   name,
		"parent": parentJSON(parent),
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, "POST", "/folders", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// CreateUpload declares an upcoming chunked upload: its total size, chunk
// count, content type, and whole-file hash. The returned upload id scopes
// the chunk and finalize calls.
func (c *Client) CreateUpload(ctx context.Context, projectID, name, contentType string,
	size int64, chunks int, hash string) (string, error) {

	req := map[string]interface{}{
		"name":         name,
		"content_type": contentType,
		"size":         size,
		"chunks":       chunks,
		"hash":         hashJSON(hash),
	}
	var resp struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/projects/%s/uploads", url.PathEscape(projectID))
	if err := c.doJSON(ctx, "POST", path, req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// UploadChunk sends one numbered chunk of an upload. Chunk numbers are
// explicit: the service never infers position from arrival order.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, number int, data []byte) error {
	path := fmt.Sprintf("/uploads/%s/chunks/%d?hash=%s&algorithm=%s",
		url.PathEscape(uploadID), number, tree.HashBytes(data), HashAlgorithm)

	resp, err := c.do(ctx, "PUT", path, "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkStatus("upload chunk", resp)
}

// CompleteUpload finalizes an upload. The service verifies the assembled
// content against the hash declared at CreateUpload; a mismatch comes back
// as an IntegrityError naming both fingerprints.
func (c *Client) CompleteUpload(ctx context.Context, uploadID, name string) error {
	path := fmt.Sprintf("/uploads/%s/complete", url.PathEscape(uploadID))
	resp, err := c.do(ctx, "PUT", path, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusConflict {
		var body struct {
			Code     string `json:"code"`
			Expected string `json:"expected"`
			Observed string `json:"observed"`
		}
		raw, _ := ioutil.ReadAll(resp.Body)
		if json.Unmarshal(raw, &body) == nil && body.Code == "integrity_mismatch" {
			return errors.IntegrityError{
				Path:     name,
				Expected: body.Expected,
				Observed: body.Observed,
			}
		}
		return fmt.Errorf("complete upload: unexpected response %s: %s", resp.Status, raw)
	}
	return c.checkStatus("complete upload", resp)
}

// CreateFile registers a finished upload as a file under the given parent
// and returns the file's id.
func (c *Client) CreateFile(ctx context.Context, parent Parent, uploadID string) (string, error) {
	req := map[string]interface{}{
		"parent": parentJSON(parent),
		"upload": map[string]string{"id": uploadID},
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, "POST", "/files", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// FetchRange reads length bytes of a file's content starting at offset.
func (c *Client) FetchRange(ctx context.Context, fileID string, offset, length int64) ([]byte, error) {
	path := fmt.Sprintf("/files/%s/content", url.PathEscape(fileID))
	req, err := c.newRequest(ctx, "GET", path, "", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NetworkError{Op: "fetch range", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, c.checkStatus("fetch range", resp)
	}

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NetworkError{Op: "fetch range", Err: err}
	}
	if int64(len(data)) != length {
		// A truncated body is a connection problem, so let the retry policy
		// take another shot at it.
		return nil, errors.NetworkError{Op: "fetch range",
			Err: fmt.Errorf("got %d bytes, want %d", len(data), length)}
	}
	return data, nil
}

// ListProjects returns every project visible to the caller.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var resp struct {
		Results []Project `json:"results"`
	}
	if err := c.doJSON(ctx, "GET", "/projects", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func parentJSON(parent Parent) map[string]string {
	return map[string]string{
		"kind": parent.Kind.String(),
		"id":   parent.ID,
	}
}

func hashJSON(value string) map[string]string {
	return map[string]string{
		"value":     value,
		"algorithm": HashAlgorithm,
	}
}

// getToken returns the cached auth token, exchanging the agent and user keys
// for one on first use.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	req := map[string]string{
		"agent_key": c.agentKey,
		"user_key":  c.userKey,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.WithContext(err, "marshal token request")
	}

	httpReq, err := http.NewRequest("POST", c.baseURL+"/software_agents/api_token",
		bytes.NewReader(body))
	if err != nil {
		return "", errors.WithContext(err, "build token request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq = httpReq.WithContext(ctx)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", errors.NetworkError{Op: "get auth token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errors.AuthError{Msg: fmt.Sprintf(
			"token exchange returned %s", resp.Status)}
	}

	var tokenResp struct {
		APIToken string `json:"api_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", errors.WithContext(err, "parse token response")
	}

	c.token = tokenResp.APIToken
	return c.token, nil
}

func (c *Client) newRequest(ctx context.Context, method, path, contentType string,
	body io.Reader) (*http.Request, error) {

	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.WithContext(err, "build request")
	}
	req.Header.Set("Authorization", token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req.WithContext(ctx), nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string,
	body io.Reader) (*http.Response, error) {

	req, err := c.newRequest(ctx, method, path, contentType, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.NetworkError{
			Op:  fmt.Sprintf("%s %s", method, path),
			Err: err,
		}
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string,
	reqBody, respBody interface{}) error {

	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return errors.WithContext(err, "marshal request")
		}
		body = bytes.NewReader(raw)
	}

	resp, err := c.do(ctx, method, path, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(fmt.Sprintf("%s %s", method, path), resp); err != nil {
		return err
	}

	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return errors.WithContext(err, "parse response")
		}
	}
	return nil
}

// checkStatus maps HTTP statuses onto the error taxonomy: auth failures are
// fatal for the whole run, 5xx-class and throttling responses are transient,
// and everything else fails the calling operation outright.
func (c *Client) checkStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.AuthError{Msg: fmt.Sprintf("%s returned %s", op, resp.Status)}
	case resp.StatusCode == http.StatusNotFound:
		return errors.NotFound{Resource: op}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.NetworkError{Op: op,
			Err: fmt.Errorf("service returned %s", resp.Status)}
	default:
		body, _ := ioutil.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %s: %s", op, resp.Status, strings.TrimSpace(string(body)))
	}
}
