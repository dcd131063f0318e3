package captcha

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const DefaultEndpoint = "http://api.ttshitu.com/base64"

type HTTPConfig struct {
	Endpoint string
	Username string
	Password string
	TypeID   int
}

// HTTPRecognizer posts base64 images to a recognition service and reads
// {"success": bool, "message": string, "data": {"result": string}}.
type HTTPRecognizer struct {
	cfg  HTTPConfig
	http *http.Client
}

func NewHTTPRecognizer(cfg HTTPConfig, client *http.Client) (*HTTPRecognizer, error) {
	if strings.TrimSpace(cfg.Username) == "" || cfg.Password == "" {
		return nil, errors.New("captcha: username and password are required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPRecognizer{cfg: cfg, http: client}, nil
}

func (r *HTTPRecognizer) Recognize(ctx context.Context, img []byte) (string, error) {
	body, err := json.Marshal(map[string]any{
		"username": r.cfg.Username,
		"password": r.cfg.Password,
		"typeid":   r.cfg.TypeID,
		"image":    base64.StdEncoding.EncodeToString(img),
	})
	if err != nil {
		return "", &RecognizerError{Kind: ErrBackendRejected, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &RecognizerError{Kind: ErrBackendUnreachable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return "", &RecognizerError{Kind: transportKind(ctx, err), Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", &RecognizerError{Kind: transportKind(ctx, err), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return "", rejected("HTTP %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(raw) {
		return "", rejected("malformed response")
	}
	res := gjson.ParseBytes(raw)
	if !res.Get("success").Bool() {
		return "", rejected("%s", res.Get("message").String())
	}
	text := strings.TrimSpace(res.Get("data.result").String())
	if text == "" {
		return "", rejected("empty result")
	}
	return text, nil
}

func transportKind(ctx context.Context, err error) error {
	var ne net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return ErrBackendTimeout
	}
	return ErrBackendUnreachable
}
