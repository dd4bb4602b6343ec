package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"cdpfluent/pkg/traffic"
)

func request(method, url string) *traffic.Request {
	req := traffic.NewRequest()
	req.Method = method
	req.URL = url
	return req
}

func TestRoute_FirstFullMatchWins(t *testing.T) {
	r := NewRouter(nil)
	r.Add(
		Mock{
			DisplayName:   "url only",
			URLMatcher:    URLContains("/foobar"),
			MethodMatcher: MethodIs("DELETE"),
			RawResponse:   func() string { return "rule 1" },
			ResponseType:  ResponseString,
		},
		Mock{
			DisplayName:   "url and method",
			URLMatcher:    URLContains("/foobar"),
			MethodMatcher: MethodIs("GET"),
			RawResponse:   func() string { return "rule 2" },
			ResponseType:  ResponseString,
		},
	)

	d, err := r.Route(context.Background(), request("GET", "http://localhost:1234/foobar?foo=bar"))
	require.NoError(t, err)
	require.True(t, d.Mocked())
	assert.Equal(t, "url and method", d.Rule)
	assert.Equal(t, "rule 2", string(d.Response.Body))

	d, err = r.Route(context.Background(), request("POST", "http://localhost:1234/foobar"))
	require.NoError(t, err)
	assert.False(t, d.Mocked())

	d, err = r.Route(context.Background(), request("GET", "http://localhost:1234/yo"))
	require.NoError(t, err)
	assert.False(t, d.Mocked())

	stats := r.Stats()
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(1), stats.Mocked)
	assert.Equal(t, int64(1), stats.ByRule["url and method"])
}

func TestRoute_RegistrationOrderAcrossAdds(t *testing.T) {
	r := NewRouter(nil)
	r.Add(Mock{DisplayName: "first", URLMatcher: URLContains("/api"), MethodMatcher: AnyMethod})
	r.Add(Mock{DisplayName: "second", URLMatcher: URLContains("/api"), MethodMatcher: AnyMethod})

	for i := 0; i < 5; i++ {
		d, err := r.Route(context.Background(), request("GET", "http://localhost/api/users"))
		require.NoError(t, err)
		assert.Equal(t, "first", d.Rule)
	}
	assert.Equal(t, 2, r.Len())
}

type staticSource []Mock

func (s *staticSource) Mocks() []Mock { return append([]Mock(nil), *s...) }

func TestRoute_SourceKeepsPositionAndFollowsUpdates(t *testing.T) {
	src := &staticSource{}
	r := NewRouter(nil)
	r.AddSource(src)
	r.Add(Mock{DisplayName: "static", URLMatcher: URLContains("/api"), MethodMatcher: AnyMethod})

	d, err := r.Route(context.Background(), request("GET", "http://localhost/api/users"))
	require.NoError(t, err)
	assert.Equal(t, "static", d.Rule)
	assert.Equal(t, 1, r.Len())

	*src = staticSource{{DisplayName: "from source", URLMatcher: URLContains("/api/users"), MethodMatcher: MethodIs("GET")}}
	d, err = r.Route(context.Background(), request("GET", "http://localhost/api/users"))
	require.NoError(t, err)
	assert.Equal(t, "from source", d.Rule)
	assert.Equal(t, "{}", string(d.Response.Body))
	assert.Equal(t, 2, r.Len())

	d, err = r.Route(context.Background(), request("GET", "http://localhost/api/items"))
	require.NoError(t, err)
	assert.Equal(t, "static", d.Rule)
}

func TestRespond_JSONWithEnrichedHeaders(t *testing.T) {
	m := Mock{
		DisplayName:   "mock GET /foobar requests",
		URLMatcher:    URLContains("/foobar"),
		MethodMatcher: MethodIs("GET"),
		ResponseType:  ResponseJSON,
		JSONResponse: func() any {
			return map[string]string{"prop1": "mocked-prop1", "prop2": "mocked-prop2"}
		},
		EnrichResponseHeaders: func(h traffic.Header) traffic.Header {
			h["foo-header"] = "bar"
			h["access-control-allow-origin"] = "http://localhost:1234"
			delete(h, "access-control-allow-credentials")
			return h
		},
	}.withDefaults()

	res, err := m.Respond(request("GET", "http://localhost/foobar"))
	require.NoError(t, err)

	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, traffic.Header{
		"content-type":                "application/json",
		"access-control-allow-origin": "http://localhost:1234",
		"foo-header":                  "bar",
	}, res.Headers)
	assert.Equal(t, "mocked-prop2", gjson.GetBytes(res.Body, "prop2").String())
}

func TestRespond_MixedCaseOverrideWins(t *testing.T) {
	m := Mock{
		ResponseType: ResponseString,
		RawResponse:  func() string { return "<p>hi</p>" },
		EnrichResponseHeaders: func(h traffic.Header) traffic.Header {
			h["Content-Type"] = "text/html"
			return h
		},
	}.withDefaults()

	// map 遍历顺序随机，多次构造以覆盖不同顺序
	for i := 0; i < 100; i++ {
		res, err := m.Respond(request("GET", "http://localhost/page"))
		require.NoError(t, err)
		require.Equal(t, "text/html", res.Headers.Get("content-type"))
		require.Len(t, res.Headers, 3)
	}
}

func TestRespond_StringDefaults(t *testing.T) {
	m := Mock{
		ResponseType: ResponseString,
		RawResponse:  func() string { return "sorry, you have no access" },
		Status:       401,
	}.withDefaults()

	res, err := m.Respond(request("GET", "http://localhost/foobar"))
	require.NoError(t, err)
	assert.Equal(t, 401, res.StatusCode)
	assert.Equal(t, "text/plain", res.Headers.Get("content-type"))
	assert.Equal(t, "*", res.Headers.Get("access-control-allow-origin"))
	assert.Equal(t, "true", res.Headers.Get("access-control-allow-credentials"))
	assert.Equal(t, "sorry, you have no access", string(res.Body))
}

func TestRespond_Errors(t *testing.T) {
	_, err := Mock{ResponseType: "xml"}.withDefaults().Respond(request("GET", "/"))
	assert.ErrorContains(t, err, "unsupported response type")

	_, err = Mock{JSONResponse: func() any { return make(chan int) }}.withDefaults().Respond(request("GET", "/"))
	assert.ErrorContains(t, err, "encode json response")
}

func TestMock_DefaultsNeverMatch(t *testing.T) {
	m := Mock{}.withDefaults()
	assert.False(t, m.Match(request("GET", "http://localhost/")))
	assert.Equal(t, "not set", m.DisplayName)
}

func TestMock_RequestMatcherIsAnded(t *testing.T) {
	m := Mock{
		URLMatcher:     URLContains("/login"),
		MethodMatcher:  MethodIs("POST"),
		RequestMatcher: func(req *traffic.Request) bool { return req.Headers.Get("x-test") == "1" },
	}.withDefaults()

	req := request("POST", "http://localhost/login")
	assert.False(t, m.Match(req))
	req.Headers.Set("X-Test", "1")
	assert.True(t, m.Match(req))
}

func TestRoute_Delay(t *testing.T) {
	r := NewRouter(nil)
	r.Add(Mock{
		URLMatcher:          URLContains("/slow"),
		MethodMatcher:       AnyMethod,
		DelayInMilliseconds: 80,
	})

	start := time.Now()
	d, err := r.Route(context.Background(), request("GET", "http://localhost/slow"))
	require.NoError(t, err)
	assert.True(t, d.Mocked())
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.GreaterOrEqual(t, d.Waited, 80*time.Millisecond)
}

func TestRoute_DelayCancelledWithCause(t *testing.T) {
	r := NewRouter(nil)
	r.Add(Mock{
		URLMatcher:          URLContains("/slow"),
		MethodMatcher:       AnyMethod,
		DelayInMilliseconds: 10000,
	})

	closed := errors.New("page closed")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(20*time.Millisecond, func() { cancel(closed) })

	start := time.Now()
	_, err := r.Route(ctx, request("GET", "http://localhost/slow"))
	assert.ErrorIs(t, err, closed)
	assert.Less(t, time.Since(start), 5*time.Second)
}
