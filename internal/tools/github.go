package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Typed GitHub failures so callers can distinguish missing content from
// credential problems.
var (
	ErrGitHubNotFound  = errors.New("github: not found")
	ErrGitHubForbidden = errors.New("github: forbidden")
	ErrGitHubAuth      = errors.New("github: authentication required")
)

const githubAccept = "application/vnd.github.v3+json"

// GitHubClient fetches repository content through the GitHub REST API.
type GitHubClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGitHubClient creates a client. An empty baseURL targets api.github.com;
// tests point it at a local fake.
func NewGitHubClient(baseURL string, timeout time.Duration) *GitHubClient {
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GitHubClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (g *GitHubClient) get(ctx context.Context, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", githubAccept)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrGitHubNotFound, path)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrGitHubAuth, path)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrGitHubForbidden, path)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("github: HTTP %d for %s: %s", resp.StatusCode, path, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("github: decode response: %w", err)
	}
	return nil
}

type contentResponse struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	HTMLURL  string `json:"html_url"`
}

// FetchFile returns the decoded contents of one file.
func (g *GitHubClient) FetchFile(ctx context.Context, owner, repo, path, branch, token string) (string, error) {
	u := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, escapePath(path))
	if branch != "" {
		u += "?ref=" + url.QueryEscape(branch)
	}
	var c contentResponse
	if err := g.get(ctx, u, token, &c); err != nil {
		return "", err
	}
	if c.Type != "" && c.Type != "file" {
		return "", fmt.Errorf("github: %s is a %s, not a file", path, c.Type)
	}
	if c.Encoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(c.Content, "\n", ""))
		if err != nil {
			return "", fmt.Errorf("github: decode %s: %w", path, err)
		}
		return string(decoded), nil
	}
	return c.Content, nil
}

// ListFiles returns the directory entries at path (repository root when
// path is empty).
func (g *GitHubClient) ListFiles(ctx context.Context, owner, repo, path, branch, token string) ([]map[string]any, error) {
	u := fmt.Sprintf("/repos/%s/%s/contents", owner, repo)
	if path != "" {
		u += "/" + escapePath(path)
	}
	if branch != "" {
		u += "?ref=" + url.QueryEscape(branch)
	}
	var entries []contentResponse
	if err := g.get(ctx, u, token, &entries); err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"name": e.Name,
			"path": e.Path,
			"type": e.Type,
			"size": e.Size,
			"url":  e.HTMLURL,
		})
	}
	return out, nil
}

// RepoInfo returns repository metadata.
func (g *GitHubClient) RepoInfo(ctx context.Context, owner, repo, token string) (map[string]any, error) {
	var info map[string]any
	if err := g.get(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), token, &info); err != nil {
		return nil, err
	}
	return info, nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

type fetchFileInput struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Path   string `json:"path"`
	Branch string `json:"branch,omitempty"`
}

type listFilesInput struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Path   string `json:"path,omitempty"`
	Branch string `json:"branch,omitempty"`
}

type repoInfoInput struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// GitHubTools returns the repository-access tools backed by a client.
func GitHubTools(client *GitHubClient) []*Tool {
	return []*Tool{
		{
			Name:               "fetch_github_file",
			Description:        "Fetch the contents of a single file from a GitHub repository",
			RequiredPermission: PermRead,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"owner", "repo", "path"},
				"properties": map[string]any{
					"owner":  map[string]any{"type": "string"},
					"repo":   map[string]any{"type": "string"},
					"path":   map[string]any{"type": "string"},
					"branch": map[string]any{"type": "string"},
				},
			},
			Execute: func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
				var in fetchFileInput
				if err := json.Unmarshal(input, &in); err != nil {
					return &Result{Success: false, Error: "invalid input: " + err.Error()}, nil
				}
				if in.Owner == "" || in.Repo == "" || in.Path == "" {
					return &Result{Success: false, Error: "owner, repo, and path are required"}, nil
				}
				content, err := client.FetchFile(ctx, in.Owner, in.Repo, in.Path, in.Branch, tc.GitHubToken)
				if err != nil {
					return &Result{Success: false, Error: err.Error()}, nil
				}
				return &Result{Success: true, Data: map[string]any{
					"path":    in.Path,
					"content": content,
				}}, nil
			},
		},
		{
			Name:               "list_repo_files",
			Description:        "List files in a GitHub repository directory",
			RequiredPermission: PermRead,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"owner", "repo"},
				"properties": map[string]any{
					"owner":  map[string]any{"type": "string"},
					"repo":   map[string]any{"type": "string"},
					"path":   map[string]any{"type": "string"},
					"branch": map[string]any{"type": "string"},
				},
			},
			Execute: func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
				var in listFilesInput
				if err := json.Unmarshal(input, &in); err != nil {
					return &Result{Success: false, Error: "invalid input: " + err.Error()}, nil
				}
				if in.Owner == "" || in.Repo == "" {
					return &Result{Success: false, Error: "owner and repo are required"}, nil
				}
				entries, err := client.ListFiles(ctx, in.Owner, in.Repo, in.Path, in.Branch, tc.GitHubToken)
				if err != nil {
					return &Result{Success: false, Error: err.Error()}, nil
				}
				return &Result{Success: true, Data: entries}, nil
			},
		},
		{
			Name:               "get_repo_info",
			Description:        "Get metadata about a GitHub repository",
			RequiredPermission: PermRead,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"owner", "repo"},
				"properties": map[string]any{
					"owner": map[string]any{"type": "string"},
					"repo":  map[string]any{"type": "string"},
				},
			},
			Execute: func(ctx context.Context, input json.RawMessage, tc *Context) (*Result, error) {
				var in repoInfoInput
				if err := json.Unmarshal(input, &in); err != nil {
					return &Result{Success: false, Error: "invalid input: " + err.Error()}, nil
				}
				if in.Owner == "" || in.Repo == "" {
					return &Result{Success: false, Error: "owner and repo are required"}, nil
				}
				info, err := client.RepoInfo(ctx, in.Owner, in.Repo, tc.GitHubToken)
				if err != nil {
					return &Result{Success: false, Error: err.Error()}, nil
				}
				return &Result{Success: true, Data: info}, nil
			},
		},
	}
}
