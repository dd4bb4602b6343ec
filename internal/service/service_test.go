package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cdpfluent/internal/cdp"
	"cdpfluent/internal/config"
	"cdpfluent/internal/poll"
	"cdpfluent/internal/recorder"
	"cdpfluent/internal/session"
	"cdpfluent/internal/storage"
	"cdpfluent/pkg/mock"
	"cdpfluent/pkg/model"
	"cdpfluent/pkg/selector"
	"cdpfluent/pkg/traffic"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePage struct {
	ctx       context.Context
	cancel    context.CancelCauseFunc
	router    *mock.Router
	rec       *recorder.Recorder
	navigated atomic.Value
}

func newFakePage() *fakePage {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &fakePage{ctx: ctx, cancel: cancel, router: mock.NewRouter(nil), rec: recorder.New(nil)}
}

func (p *fakePage) ID() model.TargetID { return "target-1" }
func (p *fakePage) Context() context.Context { return p.ctx }
func (p *fakePage) Router() *mock.Router { return p.router }
func (p *fakePage) Recorder() *recorder.Recorder { return p.rec }

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.navigated.Store(url)
	return nil
}

func (p *fakePage) Close() error {
	p.cancel(cdp.ErrPageClosed)
	p.rec.Close(cdp.ErrPageClosed.Error())
	return nil
}

type noRegistry struct{}

func (noRegistry) QueryAll(context.Context, string) (selector.HandleSet, error) {
	return selector.HandleSet{{ObjectID: "1", NodeID: 1}}, nil
}
func (noRegistry) QueryAllFrom(context.Context, string, selector.HandleSet) (selector.HandleSet, error) {
	return selector.HandleSet{}, nil
}
func (noRegistry) WithText(context.Context, string, selector.HandleSet) (selector.HandleSet, error) {
	return selector.HandleSet{}, nil
}
func (noRegistry) WithValue(context.Context, string, selector.HandleSet) (selector.HandleSet, error) {
	return selector.HandleSet{}, nil
}
func (noRegistry) Parents(context.Context, selector.HandleSet) (selector.HandleSet, error) {
	return selector.HandleSet{}, nil
}
func (noRegistry) Visibility(context.Context, *selector.Handle) (selector.Visibility, error) {
	return selector.Visible, nil
}

func fastConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Browser.DevToolsURL = "http://127.0.0.1:9222"
	cfg.Wait.StabilityMS = 30
	cfg.Wait.TimeoutMS = 2000
	cfg.Wait.PollingMS = 5
	return cfg
}

func newTestService(t *testing.T, opts ...Option) (*Service, model.SessionID, *fakePage) {
	t.Helper()
	page := newFakePage()
	var seen cdp.Options
	opts = append(opts, WithAttacher(func(_ context.Context, o cdp.Options) (session.Page, selector.Registry, error) {
		seen = o
		return page, noRegistry{}, nil
	}))
	s := New(fastConfig(), nil, opts...)
	id, err := s.StartSession(context.Background(), model.SessionConfig{})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9222", seen.DevToolsURL)
	assert.Equal(t, 3000, seen.ProcessTimeoutMS)
	assert.Equal(t, id, seen.Session)
	t.Cleanup(func() { _ = s.Close() })
	return s, id, page
}

func TestStartSession_AttachFailure(t *testing.T) {
	boom := errors.New("connection refused")
	s := New(fastConfig(), nil, WithAttacher(func(context.Context, cdp.Options) (session.Page, selector.Registry, error) {
		return nil, nil, boom
	}))
	_, err := s.StartSession(context.Background(), model.SessionConfig{})
	assert.ErrorIs(t, err, boom)
}

func TestUnknownSession(t *testing.T) {
	s := New(fastConfig(), nil)
	assert.ErrorIs(t, s.StopSession("nope"), ErrSessionNotFound)
	assert.ErrorIs(t, s.WithMocks("nope"), ErrSessionNotFound)
	_, err := s.RecordedRequestsTo("nope", "/api")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNavigateAndMocks(t *testing.T) {
	s, id, page := newTestService(t)

	require.NoError(t, s.WithMocks(id, mock.Mock{DisplayName: "a"}))
	require.NoError(t, s.WithMocks(id, mock.Mock{DisplayName: "b"}))
	assert.Equal(t, 2, page.router.Len())

	require.NoError(t, s.Navigate(context.Background(), id, "http://example.com"))
	assert.Equal(t, "http://example.com", page.navigated.Load())

	stats, err := s.RouterStats(id)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func writeRules(t *testing.T, name, pattern string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: `+name+`
    match:
      allOf:
        - type: url
          mode: contains
          pattern: `+pattern+`
    respond:
      body: '{"ok": true}'
`), 0o600))
	return path
}

func TestLoadMockFile(t *testing.T) {
	s, id, page := newTestService(t)
	n, err := s.LoadMockFile(id, writeRules(t, "users", "/api/users"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.WithMocks(id, mock.Mock{
		DisplayName:   "coded",
		URLMatcher:    mock.URLContains("/api"),
		MethodMatcher: mock.AnyMethod,
	}))

	req := traffic.NewRequest()
	req.URL, req.Method = "http://host/api/users", "DELETE"
	m, ok := page.router.Match(req)
	require.True(t, ok)
	assert.Equal(t, "users", m.DisplayName)

	// 再次加载替换文件规则，代码注册的 mock 保留
	_, err = s.LoadMockFile(id, writeRules(t, "items", "/api/items"))
	require.NoError(t, err)
	m, ok = page.router.Match(req)
	require.True(t, ok)
	assert.Equal(t, "coded", m.DisplayName)
	assert.Equal(t, 2, page.router.Len())

	_, err = s.LoadMockFile("missing", writeRules(t, "x", "/x"))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSelector(t *testing.T) {
	s, id, _ := newTestService(t)
	sel, err := s.Selector(id, "li")
	require.NoError(t, err)

	visible, err := sel.IsVisible(context.Background())
	require.NoError(t, err)
	assert.True(t, visible)
	assert.Equal(t, "selector(li)", sel.String())
}

func TestWaitForRecordedRequests(t *testing.T) {
	s, id, page := newTestService(t)
	_, err := s.RecordRequestsTo(id, "/api", nil, nil)
	require.NoError(t, err)

	go func() {
		for i, u := range []string{"http://host/api/a", "http://host/api/b"} {
			rid := string(rune('1' + i))
			page.rec.OnRequestWillBeSent(recorder.RequestEvent{ID: rid, URL: u, Method: "GET"})
			time.Sleep(10 * time.Millisecond)
			page.rec.OnResponseReceived(recorder.ResponseEvent{ID: rid, Status: 200})
			page.rec.OnLoadingFinished(rid, "{}")
		}
	}()

	// 先等到第一条请求出现，避免在录制开始前就判定稳定
	require.NoError(t, s.WaitUntil(context.Background(), id, func(context.Context) (bool, error) {
		reqs, err := s.RecordedRequestsTo(id, "/api")
		return len(reqs) > 0, err
	}, &poll.Options{Polling: time.Millisecond, Timeout: time.Second}))

	reqs, err := s.WaitForRecordedRequests(context.Background(), id, "/api", nil)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		assert.True(t, r.IsSettled())
	}
}

func TestWaitUntil_PageClosedMidWait(t *testing.T) {
	s, id, page := newTestService(t)
	time.AfterFunc(20*time.Millisecond, func() { _ = page.Close() })

	start := time.Now()
	err := s.WaitUntil(context.Background(), id, func(context.Context) (bool, error) { return false, nil }, nil)
	assert.ErrorIs(t, err, cdp.ErrPageClosed)
	assert.Less(t, time.Since(start), time.Second)

	_, err = s.Resolver(id)
	assert.ErrorIs(t, err, ErrNoActivePage)

	// 页面关闭后录制结果仍可读取
	_, err = s.RecordedRequestsTo(id, "/api")
	assert.NoError(t, err)
}

func TestWaitForRecordedRequests_ConcurrentStop(t *testing.T) {
	for i := 0; i < 20; i++ {
		s, id, _ := newTestService(t)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = s.StopSession(id)
		}()

		_, err := s.WaitForRecordedRequests(context.Background(), id, "/api", nil)
		<-done
		if err != nil {
			assert.True(t,
				errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoActivePage) || errors.Is(err, cdp.ErrPageClosed),
				"unexpected error: %v", err)
		}
	}
}

func TestWaitForStabilityOf(t *testing.T) {
	s, id, _ := newTestService(t)
	var n atomic.Int32
	v, err := s.WaitForStabilityOf(context.Background(), id, func(context.Context) (any, error) {
		if n.Add(1) < 4 {
			return int(n.Load()), nil
		}
		return 4, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestSaveRecordedRequests(t *testing.T) {
	s, id, _ := newTestService(t)
	_, err := s.SaveRecordedRequests(context.Background(), id, "/api")
	assert.ErrorIs(t, err, ErrStorageDisabled)

	cfg := config.NewConfig()
	cfg.Sqlite.Dsn = filepath.Join(t.TempDir(), "rec.sqlite3")
	st, err := storage.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	s, id, page := newTestService(t, WithStore(st))
	_, err = s.RecordRequestsTo(id, "/api", nil, nil)
	require.NoError(t, err)
	page.rec.OnRequestWillBeSent(recorder.RequestEvent{ID: "1", URL: "http://host/api/a", Method: "GET"})
	page.rec.OnResponseReceived(recorder.ResponseEvent{ID: "1", Status: 200})
	page.rec.OnLoadingFinished("1", `{"a":1}`)

	n, err := s.SaveRecordedRequests(context.Background(), id, "/api")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.StopSession(id))
	records, err := s.ListSavedRequests(context.Background(), id, "/api")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 200, records[0].Status)
}
