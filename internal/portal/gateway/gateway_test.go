package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoelect/internal/portal"
	"autoelect/internal/rules"
)

func newGateway(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return c
}

func TestAuthenticate(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/login", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"message":"wrong password"}`))
			return
		}
		assert.Equal(t, "bfx", body["identity"])
		_, _ = w.Write([]byte(`{"success":true,"token":"tok-1","meta":{"name":"Li"}}`))
	})

	id, err := c.Authenticate(context.Background(), portal.Credentials{StudentID: "1", Password: "secret", DualDegree: true, Identity: "bfx"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", id.Token)
	assert.Equal(t, "Li", id.Meta["name"])

	_, err = c.Authenticate(context.Background(), portal.Credentials{StudentID: "1", Password: "nope", Identity: "bfx"})
	require.ErrorIs(t, err, ErrLoginRejected)
	assert.Contains(t, err.Error(), "wrong password")
}

func TestAttemptOutcomes(t *testing.T) {
	img := base64.StdEncoding.EncodeToString([]byte("GIF89a"))
	cases := []struct {
		name     string
		status   int
		body     string
		want     portal.Outcome
		enrolled int
		known    bool
		wantErr  bool
		fatal    bool
	}{
		{name: "elected", status: 200, body: `{"status":"elected","enrolled":31}`, want: portal.Elected, enrolled: 31, known: true},
		{name: "full", status: 200, body: `{"status":"full","enrolled":120}`, want: portal.CourseFull, enrolled: 120, known: true},
		{name: "not open", status: 200, body: `{"status":"not_open"}`, want: portal.NotOpenYet},
		{name: "captcha", status: 200, body: `{"status":"captcha_required","captcha":"` + img + `"}`, want: portal.ChallengeRequired},
		{name: "expired body", status: 200, body: `{"status":"auth_expired"}`, want: portal.AuthExpired},
		{name: "expired 401", status: 401, body: `{}`, want: portal.AuthExpired},
		{name: "server error", status: 502, body: `{"message":"upstream"}`, wantErr: true},
		{name: "forbidden", status: 403, body: `{"message":"banned"}`, wantErr: true, fatal: true},
		{name: "fatal status", status: 200, body: `{"status":"fatal","message":"term closed"}`, wantErr: true, fatal: true},
		{name: "garbage", status: 200, body: `<html>`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			res, err := c.Attempt(context.Background(), portal.Identity{Token: "tok"}, portal.Attempt{Course: rules.Course{ID: "a", Name: "A", ClassNo: "1", School: "Math"}})
			if tc.wantErr {
				require.Error(t, err)
				assert.Equal(t, tc.fatal, portal.Classify(err) == portal.FatalError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Outcome)
			assert.Equal(t, tc.known, res.EnrolledKnown)
			assert.Equal(t, tc.enrolled, res.Enrolled)
			if tc.want == portal.ChallengeRequired {
				assert.Equal(t, []byte("GIF89a"), res.Challenge)
			}
		})
	}
}

func TestAttemptSendsCaptchaAnswer(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "x7k2", body["captcha"])
		assert.Equal(t, "Math", body["school"])
		_, _ = w.Write([]byte(`{"status":"elected"}`))
	})
	res, err := c.Attempt(context.Background(), portal.Identity{Token: "t"}, portal.Attempt{
		Course:        rules.Course{Name: "A", ClassNo: "1", School: "Math"},
		CaptchaAnswer: "x7k2",
	})
	require.NoError(t, err)
	assert.Equal(t, portal.Elected, res.Outcome)
}

func TestEnrollment(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/enrollment", r.URL.Path)
		assert.Equal(t, "数学分析", r.URL.Query().Get("name"))
		_, _ = w.Write([]byte(`{"enrolled":28}`))
	})
	n, err := c.Enrollment(context.Background(), portal.Identity{Token: "t"}, rules.Course{Name: "数学分析", ClassNo: "2", School: "Math"})
	require.NoError(t, err)
	assert.Equal(t, 28, n)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://example.org"})
	require.Error(t, err)
}
