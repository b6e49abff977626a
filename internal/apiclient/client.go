// Package apiclient talks to the job control API over HTTP.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/MimeLyc/course-importer/internal/jobs"
	"github.com/MimeLyc/course-importer/pkg/log"
)

// Error is a non-2xx response from the server.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is a server response with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Upload describes one file to submit as a job item.
type Upload struct {
	JobID        int64
	Token        string
	SectionName  string
	SectionOrder int
	VideoOrder   int
	Path         string
	// FileName overrides the name sent to the server; defaults to the base of Path.
	FileName string
}

type Client struct {
	baseURL  string
	http     *http.Client
	attempts uint
	delay    time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithAttempts(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.delay = d
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 10 * time.Minute},
		attempts: 3,
		delay:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateJob(ctx context.Context, req jobs.CreateRequest) (*jobs.CreateResult, error) {
	var ret jobs.CreateResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/jobs", req, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// AddItem uploads one file. The file is reopened on every attempt.
func (c *Client) AddItem(ctx context.Context, up Upload) (*jobs.AddItemResult, error) {
	name := up.FileName
	if name == "" {
		name = filepath.Base(up.Path)
	}
	fields := map[string]string{
		"upload_token":  up.Token,
		"section_name":  up.SectionName,
		"section_order": strconv.Itoa(up.SectionOrder),
		"video_order":   strconv.Itoa(up.VideoOrder),
	}

	var ret jobs.AddItemResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/jobs/%d/items", up.JobID), func() (io.Reader, string, error) {
		f, err := os.Open(up.Path)
		if err != nil {
			return nil, "", retry.Unrecoverable(err)
		}
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer f.Close()
			pw.CloseWithError(writeMultipart(mw, fields, name, f))
		}()
		return pr, mw.FormDataContentType(), nil
	}, &ret)
	if err != nil {
		return nil, err
	}
	return &ret, nil
}

func writeMultipart(mw *multipart.Writer, fields map[string]string, name string, r io.Reader) error {
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

func (c *Client) Finalize(ctx context.Context, jobID int64, token string) (*jobs.Job, error) {
	var ret jobs.Job
	body := map[string]string{"upload_token": token}
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/jobs/%d/finalize", jobID), body, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// Tick asks the server to advance one batch and returns the items advanced.
func (c *Client) Tick(ctx context.Context, limit int) (int, error) {
	path := "/api/worker/tick"
	if limit > 0 {
		path += "?max=" + url.QueryEscape(strconv.Itoa(limit))
	}
	var ret struct {
		Processed int `json:"processed"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &ret); err != nil {
		return 0, err
	}
	return ret.Processed, nil
}

func (c *Client) Status(ctx context.Context, jobID int64) (*jobs.StatusReport, error) {
	var ret jobs.StatusReport
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/jobs/%d", jobID), nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *Client) ListJobs(ctx context.Context) ([]*jobs.Job, error) {
	var ret []*jobs.Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/jobs", nil, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *Client) Items(ctx context.Context, jobID int64) ([]*jobs.Item, error) {
	var ret []*jobs.Item
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/jobs/%d/items", jobID), nil, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *Client) Cancel(ctx context.Context, jobID int64) (*jobs.Job, error) {
	return c.transition(ctx, jobID, "cancel")
}

func (c *Client) Pause(ctx context.Context, jobID int64) (*jobs.Job, error) {
	return c.transition(ctx, jobID, "pause")
}

func (c *Client) Resume(ctx context.Context, jobID int64) (*jobs.Job, error) {
	return c.transition(ctx, jobID, "resume")
}

func (c *Client) RetryFailed(ctx context.Context, jobID int64) (*jobs.RetryResult, error) {
	var ret jobs.RetryResult
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/jobs/%d/retry", jobID), nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *Client) Cleanup(ctx context.Context, jobID int64) error {
	return c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/jobs/%d/cleanup", jobID), nil, nil)
}

func (c *Client) WorkerInfo(ctx context.Context) (*jobs.SchedulerInfo, error) {
	var ret jobs.SchedulerInfo
	if err := c.doJSON(ctx, http.MethodGet, "/api/worker", nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *Client) transition(ctx context.Context, jobID int64, action string) (*jobs.Job, error) {
	var ret jobs.Job
	if err := c.doJSON(ctx, http.MethodPost, fmt.Sprintf("/api/jobs/%d/%s", jobID, action), nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var raw []byte
	if in != nil {
		var err error
		if raw, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	return c.do(ctx, method, path, func() (io.Reader, string, error) {
		if raw == nil {
			return nil, "", nil
		}
		return bytes.NewReader(raw), "application/json", nil
	}, out)
}

// do sends the request, retrying transport failures and 5xx responses.
// body is called once per attempt.
func (c *Client) do(ctx context.Context, method, path string, body func() (io.Reader, string, error), out any) error {
	return retry.Do(
		func() error {
			r, contentType, err := body()
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}
			req.Header.Set("Accept", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return fmt.Errorf("%s %s: %w", method, path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return decodeError(resp)
			}
			if out == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode %s %s response: %w", method, path, err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			log.Debug("Retrying %s %s (attempt %d): %v", method, path, n+2, err)
		}),
	)
}

func retryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &Error{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}
