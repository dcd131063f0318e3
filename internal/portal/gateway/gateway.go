// Package gateway talks to the enrollment portal through a small JSON-over-HTTP gateway.
//
// Contract:
//
//	POST /login       {"student_id","password","dual_degree","identity"} -> {"success","token","message"}
//	POST /elect       {"name","class","school","captcha"}                 -> {"status","enrolled","captcha","message"}
//	GET  /enrollment  ?name=&class=&school=                               -> {"enrolled"}
//
// /elect and /enrollment carry "Authorization: Bearer <token>". status is one of elected,
// full, not_open, auth_expired, captcha_required, error, fatal; captcha is base64.
package gateway

import (
	"bytes"
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

	"github.com/tidwall/gjson"

	"autoelect/internal/portal"
	"autoelect/internal/rules"
)

type Config struct {
	BaseURL   string
	UserAgent string
	// Timeout is a ceiling per request; callers normally pass a tighter ctx deadline.
	Timeout time.Duration
}

type Client struct {
	base *url.URL
	ua   string
	http *http.Client
}

var (
	_ portal.Client           = (*Client)(nil)
	_ portal.EnrollmentReader = (*Client)(nil)
)

// ErrLoginRejected is returned when the gateway refuses the credentials.
var ErrLoginRejected = errors.New("login rejected")

func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("portal base_url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("portal base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("portal base_url: unsupported scheme %q", u.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "autoelect"
	}
	return &Client{base: u, ua: ua, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) Authenticate(ctx context.Context, cred portal.Credentials) (portal.Identity, error) {
	body := map[string]any{
		"student_id":  cred.StudentID,
		"password":    cred.Password,
		"dual_degree": cred.DualDegree,
		"identity":    cred.Identity,
	}
	status, res, err := c.do(ctx, http.MethodPost, "/login", nil, "", body)
	if err != nil {
		return portal.Identity{}, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden || !res.Get("success").Bool() {
		return portal.Identity{}, fmt.Errorf("%w: %s", ErrLoginRejected, message(status, res))
	}
	token := res.Get("token").String()
	if token == "" {
		return portal.Identity{}, errors.New("login response has no token")
	}
	meta := map[string]string{}
	res.Get("meta").ForEach(func(k, v gjson.Result) bool {
		meta[k.String()] = v.String()
		return true
	})
	return portal.Identity{Token: token, Meta: meta}, nil
}

func (c *Client) Attempt(ctx context.Context, id portal.Identity, a portal.Attempt) (portal.Result, error) {
	body := map[string]any{
		"name":   a.Course.Name,
		"class":  a.Course.ClassNo,
		"school": a.Course.School,
	}
	if a.CaptchaAnswer != "" {
		body["captcha"] = a.CaptchaAnswer
	}
	status, res, err := c.do(ctx, http.MethodPost, "/elect", nil, id.Token, body)
	if err != nil {
		return portal.Result{}, err
	}

	out := portal.Result{Message: res.Get("message").String()}
	if n := res.Get("enrolled"); n.Exists() && n.Type == gjson.Number {
		out.Enrolled = int(n.Int())
		out.EnrolledKnown = true
	}

	switch {
	case status == http.StatusUnauthorized:
		out.Outcome = portal.AuthExpired
		return out, nil
	case status >= 500:
		return out, fmt.Errorf("gateway: %s", message(status, res))
	case status >= 400:
		return out, portal.Fatal(fmt.Errorf("gateway: %s", message(status, res)))
	}

	switch st := res.Get("status").String(); st {
	case "elected":
		out.Outcome = portal.Elected
	case "full":
		out.Outcome = portal.CourseFull
	case "not_open":
		out.Outcome = portal.NotOpenYet
	case "auth_expired":
		out.Outcome = portal.AuthExpired
	case "captcha_required":
		img, err := base64.StdEncoding.DecodeString(res.Get("captcha").String())
		if err != nil || len(img) == 0 {
			return out, fmt.Errorf("gateway: bad captcha payload")
		}
		out.Outcome = portal.ChallengeRequired
		out.Challenge = img
	case "fatal":
		return out, portal.Fatal(fmt.Errorf("gateway: %s", message(status, res)))
	case "error":
		out.Outcome = portal.TransientError
	default:
		return out, fmt.Errorf("gateway: unknown status %q", st)
	}
	return out, nil
}

func (c *Client) Enrollment(ctx context.Context, id portal.Identity, course rules.Course) (int, error) {
	q := url.Values{}
	q.Set("name", course.Name)
	q.Set("class", course.ClassNo)
	q.Set("school", course.School)
	status, res, err := c.do(ctx, http.MethodGet, "/enrollment", q, id.Token, nil)
	if err != nil {
		return 0, err
	}
	if status == http.StatusUnauthorized {
		return 0, portal.ErrAuthExpired
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("gateway: %s", message(status, res))
	}
	n := res.Get("enrolled")
	if n.Type != gjson.Number {
		return 0, errors.New("gateway: enrollment response has no count")
	}
	return int(n.Int()), nil
}

const maxBody = 1 << 20

func (c *Client) do(ctx context.Context, method, path string, q url.Values, token string, body any) (int, gjson.Result, error) {
	u := *c.base
	u.Path += path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, gjson.Result{}, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return 0, gjson.Result{}, err
	}
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, gjson.Result{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, gjson.Result{}, err
	}
	if len(bytes.TrimSpace(raw)) > 0 && !gjson.ValidBytes(raw) {
		return resp.StatusCode, gjson.Result{}, fmt.Errorf("gateway: %s %s: invalid JSON (HTTP %d)", method, path, resp.StatusCode)
	}
	return resp.StatusCode, gjson.ParseBytes(raw), nil
}

func message(status int, res gjson.Result) string {
	if m := res.Get("message").String(); m != "" {
		return fmt.Sprintf("HTTP %d: %s", status, m)
	}
	return fmt.Sprintf("HTTP %d", status)
}
