package threat_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hipswatch/internal/auth"
	"hipswatch/internal/config"
	"hipswatch/internal/retry"
	"hipswatch/internal/threat"
)

const attacksURL = "http://feed.test/attacks/new"

// fakeTokens hands out tok-1, tok-2, ... and counts invalidations.
type fakeTokens struct {
	issued      int
	invalidated int
	current     string
	err         error
}

func (f *fakeTokens) GetValidToken(context.Context) (auth.Token, error) {
	if f.err != nil {
		return auth.Token{}, f.err
	}
	if f.current == "" {
		f.issued++
		f.current = fmt.Sprintf("tok-%d", f.issued)
	}
	return auth.Token{Value: f.current, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Invalidate() {
	f.invalidated++
	f.current = ""
}

func newClient(tokens auth.TokenSource) (*threat.Client, *httpmock.MockTransport) {
	cfg := &config.Config{
		APIURL:         "http://feed.test/",
		AttacksPath:    "/attacks/new",
		ResolvePath:    "/attacks/resolve/{flowId}",
		FeedDataKey:    "data",
		RequestTimeout: time.Second,
	}
	transport := httpmock.NewMockTransport()
	policy := retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Max: time.Millisecond}
	return threat.NewClient(cfg, &http.Client{Transport: transport}, tokens, policy, nil), transport
}

func TestFetchNewAttacks_DropsSentinel(t *testing.T) {
	t.Parallel()

	client, transport := newClient(&fakeTokens{})
	transport.RegisterResponder(http.MethodGet, attacksURL,
		httpmock.NewStringResponder(http.StatusOK, `{"data": [["f1","10.0.0.5"], ["f2","0.0.0.0"]]}`))

	records, err := client.FetchNewAttacks(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "f1", records[0].FlowID)
	assert.Equal(t, "10.0.0.5", records[0].SourceAddress)
	assert.JSONEq(t, `["f1","10.0.0.5"]`, string(records[0].Raw))
}

func TestFetchNewAttacks_MalformedRecordsDoNotFailBatch(t *testing.T) {
	t.Parallel()

	client, transport := newClient(&fakeTokens{})
	transport.RegisterResponder(http.MethodGet, attacksURL, httpmock.NewStringResponder(http.StatusOK, `{"data": [
		["a", "256.1.1.1"],
		["b", "10.0.0"],
		["c", "10.0.0.1.5"],
		["d", "host.example"],
		["e", "::1"],
		["f"],
		"garbage",
		[null, "10.0.0.9"],
		["g", 42],
		[1234, "192.168.1.100", "extra", {"k": 1}]
	]}`))

	records, err := client.FetchNewAttacks(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1234", records[0].FlowID)
	assert.Equal(t, "192.168.1.100", records[0].SourceAddress)
}

func TestFetchNewAttacks_EmptyOrMissingData(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{"data": []}`, `{}`, `{"data": null}`} {
		client, transport := newClient(&fakeTokens{})
		transport.RegisterResponder(http.MethodGet, attacksURL, httpmock.NewStringResponder(http.StatusOK, body))

		records, err := client.FetchNewAttacks(context.Background())
		require.NoError(t, err, body)
		assert.Empty(t, records, body)
	}
}

func TestFetchNewAttacks_SendsBearerToken(t *testing.T) {
	t.Parallel()

	client, transport := newClient(&fakeTokens{})
	transport.RegisterResponder(http.MethodGet, attacksURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
		return httpmock.NewStringResponse(http.StatusOK, `{"data": []}`), nil
	})

	_, err := client.FetchNewAttacks(context.Background())
	require.NoError(t, err)
}

func TestFetchNewAttacks_Unauthenticated(t *testing.T) {
	t.Parallel()

	client, transport := newClient(&fakeTokens{err: errors.New("token endpoint down")})

	_, err := client.FetchNewAttacks(context.Background())
	var ferr *threat.FeedError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, threat.KindUnauthenticated, ferr.Kind)
	assert.Zero(t, transport.GetTotalCallCount(), "no request without a token")
}

func TestFetchNewAttacks_SingleReauthOn401(t *testing.T) {
	t.Parallel()

	tokens := &fakeTokens{}
	client, transport := newClient(tokens)
	var seen []string
	transport.RegisterResponder(http.MethodGet, attacksURL, func(req *http.Request) (*http.Response, error) {
		seen = append(seen, req.Header.Get("Authorization"))
		if len(seen) == 1 {
			return httpmock.NewStringResponse(http.StatusUnauthorized, ""), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"data": [["f1","10.0.0.5"]]}`), nil
	})

	records, err := client.FetchNewAttacks(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, []string{"Bearer tok-1", "Bearer tok-2"}, seen)
	assert.Equal(t, 1, tokens.invalidated)
	assert.Equal(t, 2, tokens.issued)
}

func TestFetchNewAttacks_Second401IsTerminal(t *testing.T) {
	t.Parallel()

	tokens := &fakeTokens{}
	client, transport := newClient(tokens)
	transport.RegisterResponder(http.MethodGet, attacksURL, httpmock.NewStringResponder(http.StatusUnauthorized, ""))

	_, err := client.FetchNewAttacks(context.Background())
	var ferr *threat.FeedError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, threat.KindUnauthorized, ferr.Kind)
	assert.False(t, ferr.Retryable())
	assert.Equal(t, 2, transport.GetTotalCallCount(), "exactly one retry")
	assert.Equal(t, 1, tokens.invalidated, "exactly one reauthentication")
}

func TestFetchNewAttacks_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		kind   threat.ErrorKind
	}{
		{http.StatusForbidden, threat.KindForbidden},
		{http.StatusInternalServerError, threat.KindTransient},
		{http.StatusBadGateway, threat.KindTransient},
		{http.StatusTooManyRequests, threat.KindTransient},
		{http.StatusNotFound, threat.KindProtocol},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			client, transport := newClient(&fakeTokens{})
			transport.RegisterResponder(http.MethodGet, attacksURL, httpmock.NewStringResponder(tt.status, ""))

			_, err := client.FetchNewAttacks(context.Background())
			var ferr *threat.FeedError
			require.ErrorAs(t, err, &ferr)
			assert.Equal(t, tt.kind, ferr.Kind)
			assert.Equal(t, tt.status, ferr.StatusCode)
			assert.Equal(t, 1, transport.GetTotalCallCount())
		})
	}
}

func TestFetchNewAttacks_TransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	client, transport := newClient(&fakeTokens{})
	transport.RegisterResponder(http.MethodGet, attacksURL, httpmock.NewErrorResponder(context.DeadlineExceeded))

	_, err := client.FetchNewAttacks(context.Background())
	var ferr *threat.FeedError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, threat.KindTransient, ferr.Kind)
	assert.True(t, ferr.Retryable())
}

func TestFetchNewAttacks_UndecodablePayload(t *testing.T) {
	t.Parallel()

	client, transport := newClient(&fakeTokens{})
	transport.RegisterResponder(http.MethodGet, attacksURL, httpmock.NewStringResponder(http.StatusOK, `<html>`))

	_, err := client.FetchNewAttacks(context.Background())
	var ferr *threat.FeedError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, threat.KindProtocol, ferr.Kind)
}

func TestResolve(t *testing.T) {
	t.Parallel()

	const resolveURL = "http://feed.test/attacks/resolve/f-1"

	t.Run("retries transient failures", func(t *testing.T) {
		t.Parallel()
		client, transport := newClient(&fakeTokens{})
		n := 0
		transport.RegisterResponder(http.MethodPut, resolveURL, func(req *http.Request) (*http.Response, error) {
			n++
			if n < 3 {
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, ""), nil
		})

		require.NoError(t, client.Resolve(context.Background(), "f-1"))
		assert.Equal(t, 3, n)
	})

	t.Run("forbidden is not retried", func(t *testing.T) {
		t.Parallel()
		client, transport := newClient(&fakeTokens{})
		transport.RegisterResponder(http.MethodPut, resolveURL, httpmock.NewStringResponder(http.StatusForbidden, ""))

		err := client.Resolve(context.Background(), "f-1")
		var ferr *threat.FeedError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, threat.KindForbidden, ferr.Kind)
		assert.Equal(t, 1, transport.GetTotalCallCount())
	})
}
