package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
)

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *recordingRecorder) ObserveTransport(variant, op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, variant+"/"+op+"/"+outcome)
}

func TestDirectTransport(t *testing.T) {
	t.Parallel()

	t.Run("echoed state is accepted", func(t *testing.T) {
		rec := &recordingRecorder{}
		tr := NewDirectTransport(func(_ context.Context, req core.ConnectRequest) (*ConnectResponse, error) {
			return &ConnectResponse{State: req.State, PartyID: "alice::1220"}, nil
		}, nil, WithRecorder(rec))

		resp, err := tr.OpenConnectRequest(context.Background(), "", core.ConnectRequest{}, Options{})
		require.NoError(t, err)
		assert.Equal(t, core.PartyID("alice::1220"), resp.PartyID)
		assert.Len(t, resp.State, 64)
		assert.Equal(t, []string{"direct/connect/ok"}, rec.outcomes)
	})

	t.Run("wrong state is rejected", func(t *testing.T) {
		tr := NewDirectTransport(func(context.Context, core.ConnectRequest) (*ConnectResponse, error) {
			return &ConnectResponse{State: "forged", PartyID: "mallory"}, nil
		}, nil)

		_, err := tr.OpenConnectRequest(context.Background(), "", core.ConnectRequest{State: "expected"}, Options{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStateMismatch)
	})

	t.Run("handler error is classified", func(t *testing.T) {
		tr := NewDirectTransport(nil, func(context.Context, core.SignRequest) (*SignResponse, error) {
			return nil, errors.New("user rejected signing")
		})

		_, err := tr.OpenSignRequest(context.Background(), "", core.SignRequest{}, Options{})
		assert.Equal(t, errcode.UserRejected, errcode.KindOf(err))
	})

	t.Run("embedded wallet error", func(t *testing.T) {
		tr := NewDirectTransport(nil, func(_ context.Context, req core.SignRequest) (*SignResponse, error) {
			return &SignResponse{State: req.State, Error: &errcode.ProviderError{Code: 4001, Message: "no"}}, nil
		})

		_, err := tr.OpenSignRequest(context.Background(), "", core.SignRequest{}, Options{})
		assert.Equal(t, errcode.UserRejected, errcode.KindOf(err))
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		tr := NewDirectTransport(func(_ context.Context, req core.ConnectRequest) (*ConnectResponse, error) {
			<-release
			return &ConnectResponse{State: req.State}, nil
		}, nil)

		_, err := tr.OpenConnectRequest(context.Background(), "", core.ConnectRequest{}, Options{Timeout: 20 * time.Millisecond})
		assert.Equal(t, errcode.Timeout, errcode.KindOf(err))
	})

	t.Run("missing handler", func(t *testing.T) {
		tr := NewDirectTransport(nil, nil)
		_, err := tr.OpenConnectRequest(context.Background(), "", core.ConnectRequest{}, Options{})
		assert.Equal(t, errcode.CapabilityNotSupported, errcode.KindOf(err))
	})
}

// fakeWallet answers popup requests posted on ch.
type fakeWallet struct {
	ch       *MemoryChannel
	origin   string
	forgeFor int32
}

func (w *fakeWallet) start() func() {
	return w.ch.Subscribe(func(msg Message) {
		var env RequestEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil || env.Type == "" {
			return
		}
		var req core.ConnectRequest
		_ = json.Unmarshal(env.Request, &req)

		if atomic.AddInt32(&w.forgeFor, -1) >= 0 {
			forged, _ := json.Marshal(ConnectResponse{State: "forged", PartyID: "mallory"})
			_ = w.ch.Post(context.Background(), Message{Origin: w.origin, Data: forged})
			time.Sleep(10 * time.Millisecond)
		}
		reply, _ := json.Marshal(ConnectResponse{State: req.State, PartyID: "alice::1220", Network: req.Network})
		_ = w.ch.Post(context.Background(), Message{Origin: w.origin, Data: reply})
	})
}

func TestPopupTransport(t *testing.T) {
	t.Parallel()

	openWindow := func(win *ManualWindow, opened *string) WindowOpener {
		return WindowOpenerFunc(func(_ context.Context, rawURL string) (Window, error) {
			*opened = rawURL
			return win, nil
		})
	}

	t.Run("round trip ignores forged reply", func(t *testing.T) {
		ch := NewMemoryChannel()
		wallet := &fakeWallet{ch: ch, origin: "https://wallet.example", forgeFor: 1}
		defer wallet.start()()

		var opened string
		tr := NewPopupTransport(openWindow(NewManualWindow(), &opened), ch)

		resp, err := tr.OpenConnectRequest(context.Background(), "https://wallet.example/connect", core.ConnectRequest{
			Origin:  "https://dapp.example",
			Network: core.NetworkMainnet,
		}, Options{AllowedOrigins: []string{"https://wallet.example"}, Timeout: time.Second})
		require.NoError(t, err)
		assert.Equal(t, core.PartyID("alice::1220"), resp.PartyID)
		assert.Equal(t, core.NetworkMainnet, resp.Network)

		u, err := url.Parse(opened)
		require.NoError(t, err)
		assert.Equal(t, resp.State, u.Query().Get("state"))
	})

	t.Run("disallowed origin never answers", func(t *testing.T) {
		ch := NewMemoryChannel()
		wallet := &fakeWallet{ch: ch, origin: "https://phishing.example"}
		defer wallet.start()()

		var opened string
		tr := NewPopupTransport(openWindow(NewManualWindow(), &opened), ch)
		_, err := tr.OpenConnectRequest(context.Background(), "https://wallet.example/connect", core.ConnectRequest{},
			Options{AllowedOrigins: []string{"https://wallet.example"}, Timeout: 50 * time.Millisecond})
		assert.Equal(t, errcode.Timeout, errcode.KindOf(err))
	})

	t.Run("closed window fails fast", func(t *testing.T) {
		ch := NewMemoryChannel()
		win := NewManualWindow()
		var opened string
		tr := NewPopupTransport(openWindow(win, &opened), ch)

		go func() {
			time.Sleep(20 * time.Millisecond)
			_ = win.Close()
		}()

		start := time.Now()
		_, err := tr.OpenConnectRequest(context.Background(), "https://wallet.example/connect", core.ConnectRequest{}, Options{Timeout: 5 * time.Second})
		assert.Equal(t, errcode.UserRejected, errcode.KindOf(err))
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("endpoint without scheme", func(t *testing.T) {
		var opened string
		tr := NewPopupTransport(openWindow(NewManualWindow(), &opened), NewMemoryChannel())
		_, err := tr.OpenConnectRequest(context.Background(), "wallet", core.ConnectRequest{}, Options{})
		assert.Equal(t, errcode.TransportError, errcode.KindOf(err))
	})
}

func TestDeepLinkURIs(t *testing.T) {
	t.Parallel()

	uri, err := ConnectURI("cantonwallet://connect", core.ConnectRequest{
		AppName:               "Demo",
		Origin:                "https://dapp.example",
		Network:               core.NetworkDevnet,
		State:                 "abc",
		RedirectURI:           "https://dapp.example/cb",
		RequestedCapabilities: []core.Capability{core.CapConnect, core.CapSignMessage},
	})
	require.NoError(t, err)

	u, err := url.Parse(uri)
	require.NoError(t, err)
	assert.Equal(t, "cantonwallet", u.Scheme)
	q := u.Query()
	assert.Equal(t, "abc", q.Get("state"))
	assert.Equal(t, "Demo", q.Get("app"))
	assert.Equal(t, "canton:da-devnet", q.Get("network"))
	assert.Equal(t, "https://dapp.example/cb", q.Get("redirect_uri"))
	assert.Equal(t, "connect,signMessage", q.Get("capabilities"))

	uri, err = SignURI("https://wallet.example/sign", core.SignRequest{State: "s", Kind: core.SignKindMessage, Payload: json.RawMessage(`"hi"`)})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "https://wallet.example/sign?"))
	assert.Contains(t, uri, "kind=message")
}

func TestDeepLinkTransport_Callback(t *testing.T) {
	t.Parallel()

	registry := NewCallbackRegistry(nil)
	router := mux.NewRouter()
	registry.Mount(router, "/callback")
	srv := httptest.NewServer(router)
	defer srv.Close()

	launcher := LauncherFunc(func(_ context.Context, uri string) error {
		u, err := url.Parse(uri)
		if err != nil {
			return err
		}
		state := u.Query().Get("state")
		go func() {
			// A stale callback for another request is refused.
			res, err := http.Get(srv.URL + "/callback?state=stale&partyId=mallory")
			if err == nil {
				res.Body.Close()
			}
			res, err = http.Get(srv.URL + "/callback?state=" + state + "&partyId=bob::1220&capabilities=connect,signMessage")
			if err == nil {
				res.Body.Close()
			}
		}()
		return nil
	})

	tr := NewDeepLinkTransport(launcher, registry, false)
	resp, err := tr.OpenConnectRequest(context.Background(), "cantonwallet://connect", core.ConnectRequest{}, Options{Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, core.PartyID("bob::1220"), resp.PartyID)
	assert.Equal(t, []core.Capability{core.CapConnect, core.CapSignMessage}, resp.Capabilities)
	assert.Equal(t, int64(1), registry.Unknown())
	assert.Equal(t, 0, registry.Pending())
}

func TestDeepLinkTransport_CallbackError(t *testing.T) {
	t.Parallel()

	registry := NewCallbackRegistry(nil)
	launcher := LauncherFunc(func(_ context.Context, uri string) error {
		u, _ := url.Parse(uri)
		data, _ := json.Marshal(map[string]any{
			"state": u.Query().Get("state"),
			"error": map[string]any{"code": 4001, "message": "denied on device"},
		})
		go registry.Deliver(Message{Data: data})
		return nil
	})

	tr := NewDeepLinkTransport(launcher, registry, false)
	_, err := tr.OpenSignRequest(context.Background(), "cantonwallet://sign", core.SignRequest{}, Options{Timeout: time.Second})
	assert.Equal(t, errcode.UserRejected, errcode.KindOf(err))
}

func TestDeepLinkTransport_AsyncOnly(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	var launchedState atomic.Value
	launcher := LauncherFunc(func(_ context.Context, uri string) error {
		u, err := url.Parse(uri)
		if err != nil {
			return err
		}
		state := u.Query().Get("state")
		launchedState.Store(state)
		mock.ScriptJob(state,
			JobStatus{Status: JobPending},
			JobStatus{Status: JobApproved, Result: json.RawMessage(`{"signature":"0xabc","signedBy":"device"}`)},
		)
		return nil
	})

	tr := NewDeepLinkTransport(launcher, nil, true, WithJobPoller(mock))
	resp, err := tr.OpenSignRequest(context.Background(), "cantonwallet://sign", core.SignRequest{State: "state-1"},
		Options{Timeout: time.Second, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, core.Signature("0xabc"), resp.Signature)

	state, _ := launchedState.Load().(string)
	assert.Len(t, state, 64)
	assert.NotEqual(t, "state-1", state)
	assert.Equal(t, state, resp.State)
}

func TestTransports_IgnoreCallerState(t *testing.T) {
	t.Parallel()

	var seen []string
	var mu sync.Mutex
	tr := NewDirectTransport(func(_ context.Context, req core.ConnectRequest) (*ConnectResponse, error) {
		mu.Lock()
		seen = append(seen, req.State)
		mu.Unlock()
		return &ConnectResponse{State: req.State, PartyID: "alice::1220"}, nil
	}, nil)

	for range 2 {
		_, err := tr.OpenConnectRequest(context.Background(), "", core.ConnectRequest{State: "pinned"}, Options{})
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.NotContains(t, seen, "pinned")
	assert.NotEqual(t, seen[0], seen[1])

	// only the mock honours a pinned state
	m := NewMockTransport()
	resp, err := m.OpenConnectRequest(context.Background(), "", core.ConnectRequest{State: "pinned"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "pinned", resp.State)
}

func TestCallbackRegistry_RefusesPendingState(t *testing.T) {
	t.Parallel()

	registry := NewCallbackRegistry(nil)
	first := NewWaiter("s", Options{}, time.Second, nil)
	second := NewWaiter("s", Options{}, time.Second, nil)

	unregister, err := registry.Register("s", first)
	require.NoError(t, err)

	_, err = registry.Register("s", second)
	require.ErrorIs(t, err, ErrStatePending)
	assert.Equal(t, 1, registry.Pending())

	// the callback still reaches the waiter that registered first
	require.True(t, registry.Deliver(Message{Data: json.RawMessage(`{"state":"s","partyId":"alice"}`)}))
	assert.True(t, first.Settled())
	assert.False(t, second.Settled())

	unregister()
	assert.Equal(t, 0, registry.Pending())

	again, err := registry.Register("s", second)
	require.NoError(t, err)
	again()
}

func TestCallbackRegistry_OriginChecks(t *testing.T) {
	t.Parallel()

	registry := NewCallbackRegistry(nil)
	router := mux.NewRouter()
	registry.Mount(router, "/callback")
	srv := httptest.NewServer(router)
	defer srv.Close()

	opts := Options{AllowedOrigins: []string{"https://wallet.example"}, Timeout: time.Second}

	post := func(t *testing.T, state, origin string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/callback", strings.NewReader(`{"state":"`+state+`","partyId":"bob"}`))
		require.NoError(t, err)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		res, err := srv.Client().Do(req)
		require.NoError(t, err)
		res.Body.Close()
		return res.StatusCode
	}
	get := func(t *testing.T, query string) int {
		res, err := srv.Client().Get(srv.URL + "/callback?" + query)
		require.NoError(t, err)
		res.Body.Close()
		return res.StatusCode
	}

	t.Run("redirect without origin is matched on state", func(t *testing.T) {
		w := NewWaiter("redirect", opts, time.Second, nil)
		unregister, err := registry.Register("redirect", w)
		require.NoError(t, err)
		defer unregister()

		assert.Equal(t, http.StatusAccepted, get(t, "state=redirect&partyId=bob"))
		assert.True(t, w.Settled())
	})

	t.Run("redirect naming another origin is refused", func(t *testing.T) {
		w := NewWaiter("named", opts, time.Second, nil)
		unregister, err := registry.Register("named", w)
		require.NoError(t, err)
		defer unregister()

		assert.Equal(t, http.StatusConflict, get(t, "state=named&partyId=bob&origin=https%3A%2F%2Fevil.example"))
		assert.False(t, w.Settled())
		assert.Equal(t, http.StatusAccepted, get(t, "state=named&partyId=bob&origin=https%3A%2F%2Fwallet.example"))
	})

	t.Run("post keeps the origin check", func(t *testing.T) {
		w := NewWaiter("posted", opts, time.Second, nil)
		unregister, err := registry.Register("posted", w)
		require.NoError(t, err)
		defer unregister()

		assert.Equal(t, http.StatusConflict, post(t, "posted", ""))
		assert.Equal(t, http.StatusConflict, post(t, "posted", "https://evil.example"))
		assert.False(t, w.Settled())
		assert.Equal(t, http.StatusAccepted, post(t, "posted", "https://wallet.example"))
	})
}

func TestMockTransport_Deterministic(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	req := core.ConnectRequest{State: "fixed-state", Network: core.NetworkMainnet}

	a, err := m.OpenConnectRequest(context.Background(), "", req, Options{})
	require.NoError(t, err)
	b, err := m.OpenConnectRequest(context.Background(), "", req, Options{})
	require.NoError(t, err)

	assert.Equal(t, a.PartyID, b.PartyID)
	assert.Equal(t, a.SessionID, b.SessionID)
	assert.Equal(t, MockPartyID("fixed-state"), a.PartyID)
	require.NoError(t, core.ValidateAccounts(a.Accounts))

	c, err := m.OpenConnectRequest(context.Background(), "", core.ConnectRequest{State: "other"}, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, a.PartyID, c.PartyID)
	assert.Equal(t, core.NetworkLocal, c.Network)

	s1, err := m.OpenSignRequest(context.Background(), "", core.SignRequest{State: "x", Payload: json.RawMessage(`{}`)}, Options{})
	require.NoError(t, err)
	s2, err := m.OpenSignRequest(context.Background(), "", core.SignRequest{State: "x", Payload: json.RawMessage(`{}`)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, s1.Signature, s2.Signature)
}

func TestMockTransport_CannedJob(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.SetConnectResponse("s", ConnectResponse{JobID: "job-1"})
	m.ScriptJob("job-1", JobStatus{Status: JobDenied})

	_, err := m.OpenConnectRequest(context.Background(), "", core.ConnectRequest{State: "s"}, Options{PollInterval: time.Millisecond})
	assert.Equal(t, errcode.UserRejected, errcode.KindOf(err))
}

func TestHTTPJobPoller(t *testing.T) {
	t.Parallel()

	var calls int32
	router := mux.NewRouter()
	router.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "job-9", r.URL.Query().Get("jobId"))
		if atomic.AddInt32(&calls, 1) < 3 {
			_, _ = w.Write([]byte(`{"jobId":"job-9","status":"pending"}`))
			return
		}
		_, _ = w.Write([]byte(`{"jobId":"job-9","status":"approved","result":{"partyId":"carol::1220"}}`))
	})
	router.HandleFunc("/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(router)
	defer srv.Close()

	poller := NewHTTPJobPoller(srv.Client(), nil)

	result, err := AwaitJob(context.Background(), poller, "job-9", Options{StatusEndpoint: srv.URL + "/jobs", PollInterval: 5 * time.Millisecond, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `{"partyId":"carol::1220"}`, string(result))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	_, err = poller.PollJobStatus(context.Background(), "job-9", srv.URL+"/broken", Options{})
	assert.Equal(t, errcode.TransportError, errcode.KindOf(err))

	_, err = poller.PollJobStatus(context.Background(), "job-9", "::not a url", Options{})
	assert.Equal(t, errcode.TransportError, errcode.KindOf(err))
}

func TestHTTPJobPoller_RetriesRateLimited(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"jobId":"job-7","status":"approved","result":{"ok":true}}`))
	}))
	defer srv.Close()

	status, err := NewHTTPJobPoller(srv.Client(), nil).PollJobStatus(context.Background(), "job-7", srv.URL, Options{})
	require.NoError(t, err)
	assert.Equal(t, JobApproved, status.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAwaitJob_Timeout(t *testing.T) {
	t.Parallel()

	m := NewMockTransport()
	m.ScriptJob("slow", JobStatus{Status: JobPending})

	_, err := AwaitJob(context.Background(), m, "slow", Options{Timeout: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	assert.Equal(t, errcode.Timeout, errcode.KindOf(err))
}

func TestParseJobStatus(t *testing.T) {
	t.Parallel()

	st, err := parseJobStatus("j", []byte(`{"status":"denied","error":{"code":4001,"message":"nope"}}`))
	require.NoError(t, err)
	assert.Equal(t, JobDenied, st.Status)
	assert.Equal(t, "j", st.JobID)
	require.NotNil(t, st.Error)
	assert.Equal(t, 4001, st.Error.Code)

	_, err = parseJobStatus("j", []byte(`{"status":"exploded"}`))
	assert.Error(t, err)

	_, err = parseJobStatus("j", []byte(`{"jobId":"other","status":"pending"}`))
	assert.Error(t, err)
}

func TestRenderQR(t *testing.T) {
	t.Parallel()

	out := RenderQR([][]bool{{true, false}, {true, true}, {false, true}})
	assert.Equal(t, "█▄\n ▀\n", out)

	png, err := QRPNG("cantonwallet://connect?state=x", 128)
	require.NoError(t, err)
	assert.True(t, len(png) > 8)

	var sb strings.Builder
	require.NoError(t, QRLauncher{Out: &sb}.Launch(context.Background(), "cantonwallet://connect?state=x"))
	assert.Contains(t, sb.String(), "cantonwallet://connect?state=x")
}
