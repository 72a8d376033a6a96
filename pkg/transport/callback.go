package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"

	"github.com/cantonconnect/bridge/pkg/log"
)

const maxCallbackBody = 64 << 10

// ErrStatePending is returned when a state is registered while an earlier
// request with the same state still waits.
var ErrStatePending = errors.New("a request with this state is already pending")

// CallbackRegistry routes wallet callbacks to the waiter of the request whose
// state they carry.
type CallbackRegistry struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
	logger  log.Logger

	unknown atomic.Int64
}

func NewCallbackRegistry(logger log.Logger) *CallbackRegistry {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &CallbackRegistry{
		waiters: make(map[string]*Waiter),
		logger:  logger.WithName("callbacks"),
	}
}

// Register routes callbacks for state to w until the returned function runs.
// A state that is already pending is refused.
func (r *CallbackRegistry) Register(state string, w *Waiter) (func(), error) {
	r.mu.Lock()
	if _, taken := r.waiters[state]; taken {
		r.mu.Unlock()
		return nil, ErrStatePending
	}
	r.waiters[state] = w
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if r.waiters[state] == w {
			delete(r.waiters, state)
		}
		r.mu.Unlock()
	}, nil
}

// Deliver hands msg to the matching waiter and reports whether it was
// accepted.
func (r *CallbackRegistry) Deliver(msg Message) bool {
	state := gjson.GetBytes(msg.Data, "state").String()

	r.mu.Lock()
	w, ok := r.waiters[state]
	r.mu.Unlock()

	if !ok {
		r.unknown.Inc()
		r.logger.Warn("callback for unknown state discarded", "origin", msg.Origin)
		return false
	}
	return w.Deliver(msg)
}

// Pending returns the number of registered waiters.
func (r *CallbackRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Unknown returns how many callbacks carried a state nobody waits for.
func (r *CallbackRegistry) Unknown() int64 { return r.unknown.Load() }

// Mount adds the callback routes under path. Wallets either redirect with the
// response as query parameters (GET) or post it as JSON (POST). A redirect
// sends no Origin header, so GET callbacks are checked against the origin
// named in the query, or on state alone when it names none.
func (r *CallbackRegistry) Mount(router *mux.Router, path string) {
	router.HandleFunc(path, r.handleQuery).Methods(http.MethodGet)
	router.HandleFunc(path, r.handleBody).Methods(http.MethodPost)
}

func (r *CallbackRegistry) handleQuery(w http.ResponseWriter, req *http.Request) {
	fields := make(map[string]any)
	for k, v := range req.URL.Query() {
		if len(v) > 0 {
			fields[k] = v[0]
		}
	}
	if code, ok := fields["error_code"]; ok {
		n, _ := strconv.Atoi(code.(string))
		fields["error"] = map[string]any{"code": n, "message": fields["error_message"]}
		delete(fields, "error_code")
		delete(fields, "error_message")
	}
	if caps, ok := fields["capabilities"].(string); ok {
		fields["capabilities"] = strings.Split(caps, ",")
	}

	data, err := json.Marshal(fields)
	if err != nil {
		http.Error(w, "malformed callback", http.StatusBadRequest)
		return
	}
	r.respond(w, Message{Origin: req.URL.Query().Get("origin"), Data: data, Redirect: true})
}

func (r *CallbackRegistry) handleBody(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxCallbackBody))
	if err != nil || !gjson.ValidBytes(data) {
		http.Error(w, "malformed callback", http.StatusBadRequest)
		return
	}
	r.respond(w, Message{Origin: req.Header.Get("Origin"), Data: data})
}

func (r *CallbackRegistry) respond(w http.ResponseWriter, msg Message) {
	if !r.Deliver(msg) {
		http.Error(w, "callback not accepted", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
