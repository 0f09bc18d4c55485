package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GithubClient creates revert PRs and PR comments through the GitHub REST
// API. Only the operations the executor needs; not a general API client.
type GithubClient struct {
	baseURL string
	token   string
	repo    string // owner/name
	hc      *http.Client
}

func NewGithubClient(token, repo string, timeout time.Duration) *GithubClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GithubClient{
		baseURL: "https://api.github.com",
		token:   token,
		repo:    repo,
		hc:      &http.Client{Timeout: timeout},
	}
}

// RegisterAll adds the GitHub tools to the registry. Skipped entirely when
// no token is configured; the engine then simply has no github investigator.
func (g *GithubClient) RegisterAll(reg *Registry) {
	reg.Register(Func{ToolName: "get_recent_commits", Fn: g.recentCommits})
	reg.Register(Func{ToolName: "create_revert_pr", Fn: g.createRevertPR})
	reg.Register(Func{ToolName: "comment_on_pr", Fn: g.commentOnPR})
}

func (g *GithubClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.hc.Do(req)
	if err != nil {
		return fmt.Errorf("github request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("github returned %d for %s %s", resp.StatusCode, method, path)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (g *GithubClient) recentCommits(ctx context.Context, args map[string]interface{}) (string, error) {
	repo := StringArg(args, "repo", g.repo)
	if repo == "" {
		return "", fmt.Errorf("get_recent_commits requires a repo")
	}
	var commits []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name string `json:"name"`
				Date string `json:"date"`
			} `json:"author"`
		} `json:"commit"`
	}
	if err := g.do(ctx, http.MethodGet, "/repos/"+repo+"/commits?per_page=10", nil, &commits); err != nil {
		return "", err
	}
	var sb bytes.Buffer
	fmt.Fprintf(&sb, "Last %d commits on %s:\n", len(commits), repo)
	for _, c := range commits {
		short := c.SHA
		if len(short) > 7 {
			short = short[:7]
		}
		fmt.Fprintf(&sb, "- %s %s (%s, %s)\n", short, firstLine(c.Commit.Message), c.Commit.Author.Name, c.Commit.Author.Date)
	}
	return sb.String(), nil
}

// createRevertPR opens a PR reverting one commit. The result JSON carries
// pr_url and pr_number so the executor can follow up with a comment.
func (g *GithubClient) createRevertPR(ctx context.Context, args map[string]interface{}) (string, error) {
	repo := StringArg(args, "repo", g.repo)
	sha := StringArg(args, "commit_sha", "")
	if repo == "" || sha == "" {
		return "", fmt.Errorf("create_revert_pr requires repo and commit_sha")
	}
	title := StringArg(args, "pr_title", "")
	if title == "" {
		short := sha
		if len(short) > 7 {
			short = short[:7]
		}
		title = "Revert commit " + short
	}

	var pr struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	payload := map[string]interface{}{
		"title": title,
		"head":  "revert-" + sha,
		"base":  StringArg(args, "base", "main"),
		"body":  StringArg(args, "body", "Automated revert of "+sha+" proposed by the incident responder."),
	}
	if err := g.do(ctx, http.MethodPost, "/repos/"+repo+"/pulls", payload, &pr); err != nil {
		return "", err
	}

	out, _ := json.Marshal(map[string]interface{}{
		"pr_url":    pr.HTMLURL,
		"pr_number": pr.Number,
	})
	return string(out), nil
}

func (g *GithubClient) commentOnPR(ctx context.Context, args map[string]interface{}) (string, error) {
	repo := StringArg(args, "repo", g.repo)
	number := IntArg(args, "pr_number", 0)
	body := StringArg(args, "body", "")
	if repo == "" || number == 0 || body == "" {
		return "", fmt.Errorf("comment_on_pr requires repo, pr_number, and body")
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	if err := g.do(ctx, http.MethodPost, path, map[string]string{"body": body}, nil); err != nil {
		return "", err
	}
	return fmt.Sprintf("Commented on %s#%d.", repo, number), nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
