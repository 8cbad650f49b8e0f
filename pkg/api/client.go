// Package api wraps the HTTP endpoints the chat widget talks to next to its websocket:
// the model list, the settings option lists and instant document upload.
//
// Every call sends the API key as a bearer token. Authentication failures come back as
// ErrUnauthorized and are never retried.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/naxie/pkg/chatstate"
)

var (
	ErrUnauthorized  = errors.New("api: unauthorized")
	ErrMissingAPIKey = errors.New("api: missing api key")
)

const DefaultTimeout = 30 * time.Second

const listQuery = "?page_number=1&page_size=100"

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, e.Status)
}

// Unwrap maps 401 and 403 onto ErrUnauthorized.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
	}
}

func (c *Client) HasAPIKey() bool { return c.apiKey != "" }

type Model struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

type Prompt struct {
	ID     chatstate.ID `json:"id" yaml:"id"`
	Name   string       `json:"name" yaml:"name"`
	Title  string       `json:"title,omitempty" yaml:"title,omitempty"`
	Prompt string       `json:"prompt,omitempty" yaml:"prompt,omitempty"`
}

// Label is the text a picker should show for the prompt.
func (p Prompt) Label() string {
	if p.Title != "" {
		return p.Title
	}
	return p.Name
}

// Text is what gets sent as the prompt field of a query.
func (p Prompt) Text() string {
	if p.Prompt != "" {
		return p.Prompt
	}
	return p.Label()
}

type SettingsOptions struct {
	Domains []chatstate.Domain `json:"domains" yaml:"domains"`
	Tags    []chatstate.Tag    `json:"tags" yaml:"tags"`
	Prompts []Prompt           `json:"prompts" yaml:"prompts"`
}

// File is one document to upload.
type File struct {
	Name   string
	Reader io.Reader
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer func() { _ = resp.Body.Close() }()

	log.Debug().
		Str("component", "api").
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{Method: req.Method, URL: req.URL.Path, Code: resp.StatusCode, Status: resp.Status}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s response", req.URL.Path)
	}
	return nil
}

// FetchModels lists the models the backend can answer with. A model's id is its name.
func (c *Client) FetchModels(ctx context.Context) ([]Model, error) {
	var body struct {
		Models []Model `json:"models"`
	}
	if err := c.get(ctx, "/naxie/naxie-models", &body); err != nil {
		return []Model{}, err
	}
	out := make([]Model, 0, len(body.Models))
	for _, m := range body.Models {
		if m.ID == "" {
			m.ID = m.Name
		}
		out = append(out, m)
	}
	return out, nil
}

// FetchSettingsOptions loads domains, tags and prompts concurrently. Lists that loaded
// are returned even when another one failed; the error is the first failure.
func (c *Client) FetchSettingsOptions(ctx context.Context) (SettingsOptions, error) {
	opts := SettingsOptions{
		Domains: []chatstate.Domain{},
		Tags:    []chatstate.Tag{},
		Prompts: []Prompt{},
	}
	if c.apiKey == "" {
		return opts, ErrMissingAPIKey
	}

	var domains struct {
		Data struct {
			Domains []chatstate.Domain `json:"domains"`
		} `json:"data"`
	}
	var tags struct {
		Data struct {
			Tags []chatstate.Tag `json:"tags"`
		} `json:"data"`
	}
	var prompts struct {
		Data struct {
			Prompts []Prompt `json:"prompts"`
		} `json:"data"`
	}

	// plain Group: one failing list must not cancel the others
	var g errgroup.Group
	g.Go(func() error { return c.get(ctx, "/domain"+listQuery, &domains) })
	g.Go(func() error { return c.get(ctx, "/tag"+listQuery, &tags) })
	g.Go(func() error { return c.get(ctx, "/prompts"+listQuery, &prompts) })
	err := g.Wait()

	if domains.Data.Domains != nil {
		opts.Domains = domains.Data.Domains
	}
	if tags.Data.Tags != nil {
		opts.Tags = tags.Data.Tags
	}
	if prompts.Data.Prompts != nil {
		opts.Prompts = prompts.Data.Prompts
	}
	return opts, err
}

// UploadDocuments posts files as one multipart request, one "documents" part per file.
func (c *Client) UploadDocuments(ctx context.Context, files []File) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	if len(files) == 0 {
		return nil
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, files))
	}()
	defer func() { _ = pr.Close() }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/document/instant_upload", pr)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if err := c.do(req, nil); err != nil {
		return errors.Wrap(err, "upload failed")
	}
	log.Info().Str("component", "api").Int("files", len(files)).Msg("documents uploaded")
	return nil
}

// writeParts streams files into mw, one "documents" part each, and closes it.
func writeParts(mw *multipart.Writer, files []File) error {
	for _, f := range files {
		part, err := mw.CreateFormFile("documents", f.Name)
		if err != nil {
			return errors.Wrapf(err, "add %s", f.Name)
		}
		if _, err := io.Copy(part, f.Reader); err != nil {
			return errors.Wrapf(err, "read %s", f.Name)
		}
	}
	return errors.Wrap(mw.Close(), "finish multipart body")
}
