package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantonconnect/bridge/internal/testdb"
	"github.com/cantonconnect/bridge/pkg/core"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) statuses() []core.CommandStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.CommandStatus, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[core.CommandStatus]int
}

func (o *countingObserver) ObserveTransition(s core.CommandStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[core.CommandStatus]int{}
	}
	o.counts[s]++
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	all := []core.CommandStatus{core.CommandPending, core.CommandSigned, core.CommandExecuted, core.CommandFailed}
	allowed := map[[2]core.CommandStatus]bool{
		{core.CommandPending, core.CommandSigned}:  true,
		{core.CommandPending, core.CommandFailed}:  true,
		{core.CommandSigned, core.CommandExecuted}: true,
		{core.CommandSigned, core.CommandFailed}:   true,
	}

	for _, from := range all {
		for _, to := range all {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				assert.Equal(t, allowed[[2]core.CommandStatus{from, to}], CanTransition(from, to))
			})
		}
	}
}

func TestMachine(t *testing.T) {
	t.Parallel()

	t.Run("success path", func(t *testing.T) {
		m := NewMachine("c1")
		assert.Equal(t, Event{Status: core.CommandPending, CommandID: "c1"}, m.PendingEvent())

		ev, err := m.Sign(SignedPayload{Signature: "0xsig", SignedBy: "key-1", Party: "alice"})
		require.NoError(t, err)
		assert.Equal(t, core.CommandSigned, ev.Status)
		assert.Equal(t, core.CommandID("c1"), ev.CommandID)

		ev, err = m.Execute(ExecutedPayload{UpdateID: "upd-1", CompletionOffset: 7})
		require.NoError(t, err)
		assert.Equal(t, core.CommandExecuted, ev.Status)

		cmd := m.Command()
		assert.Equal(t, core.Signature("0xsig"), cmd.Signature)
		assert.Equal(t, "upd-1", cmd.UpdateID)
		assert.Equal(t, int64(7), cmd.CompletionOffset)
		assert.Equal(t, []core.CommandStatus{core.CommandPending, core.CommandSigned, core.CommandExecuted}, m.History())
	})

	t.Run("terminal states reject everything", func(t *testing.T) {
		m := NewMachine("c2")
		_, err := m.Fail()
		require.NoError(t, err)

		_, err = m.Sign(SignedPayload{})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = m.Execute(ExecutedPayload{})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = m.Fail()
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, []core.CommandStatus{core.CommandPending, core.CommandFailed}, m.History())
	})

	t.Run("execute requires signed", func(t *testing.T) {
		m := NewMachine("c3")
		_, err := m.Execute(ExecutedPayload{UpdateID: "x"})
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, core.CommandPending, m.Status())
		assert.Empty(t, m.Command().UpdateID)
	})
}

func TestEventJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Event{Status: core.CommandPending, CommandID: "c1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"pending","commandId":"c1"}`, string(b))

	b, err = json.Marshal(Event{Status: core.CommandExecuted, CommandID: "c1", Payload: ExecutedPayload{UpdateID: "u", CompletionOffset: 3}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"executed","commandId":"c1","payload":{"updateId":"u","completionOffset":3}}`, string(b))
}

func TestTracker_Sequences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cases := []struct {
		name string
		run  func(t *testing.T, tr *Tracker, id core.CommandID)
		want []core.CommandStatus
	}{
		{
			name: "executed",
			run: func(t *testing.T, tr *Tracker, id core.CommandID) {
				require.NoError(t, tr.Signed(ctx, id, SignedPayload{Signature: "s"}))
				require.NoError(t, tr.Executed(ctx, id, ExecutedPayload{UpdateID: "u"}))
			},
			want: []core.CommandStatus{core.CommandPending, core.CommandSigned, core.CommandExecuted},
		},
		{
			name: "sign failed",
			run: func(t *testing.T, tr *Tracker, id core.CommandID) {
				require.NoError(t, tr.Fail(ctx, id, errors.New("rejected")))
			},
			want: []core.CommandStatus{core.CommandPending, core.CommandFailed},
		},
		{
			name: "submit failed",
			run: func(t *testing.T, tr *Tracker, id core.CommandID) {
				require.NoError(t, tr.Signed(ctx, id, SignedPayload{Signature: "s"}))
				require.NoError(t, tr.Fail(ctx, id, errors.New("ledger down")))
			},
			want: []core.CommandStatus{core.CommandPending, core.CommandSigned, core.CommandFailed},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			obs := &countingObserver{}
			tr := NewTracker(rec.emit, nil, WithObserver(obs))

			id := tr.Begin(ctx)
			assert.Equal(t, 1, tr.InFlight())
			tc.run(t, tr, id)

			assert.Equal(t, tc.want, rec.statuses())
			for _, ev := range rec.events {
				assert.Equal(t, id, ev.CommandID)
			}
			assert.Zero(t, tr.InFlight())
			_, ok := tr.Get(id)
			assert.False(t, ok)

			// nothing more can happen to a finished command
			assert.ErrorIs(t, tr.Fail(ctx, id, nil), ErrInvalidTransition)
			assert.Len(t, rec.events, len(tc.want))
			assert.Equal(t, 1, obs.counts[core.CommandPending])
		})
	}
}

func TestTracker_InvalidTransitionEmitsNothing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &recorder{}
	tr := NewTracker(rec.emit, nil)

	id := tr.Begin(ctx)
	err := tr.Executed(ctx, id, ExecutedPayload{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, []core.CommandStatus{core.CommandPending}, rec.statuses())

	cmd, ok := tr.Get(id)
	require.True(t, ok)
	assert.Equal(t, core.CommandPending, cmd.Status)

	assert.ErrorIs(t, tr.Signed(ctx, "nope", SignedPayload{}), ErrUnknownCommand)
}

func TestTracker_DistinctIDs(t *testing.T) {
	t.Parallel()

	tr := NewTracker(nil, nil)
	seen := map[core.CommandID]bool{}
	for i := 0; i < 100; i++ {
		id := tr.Begin(context.Background())
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Equal(t, 100, tr.InFlight())
}

type failingJournal struct{}

func (failingJournal) Record(context.Context, core.Command, Event, string) error {
	return errors.New("disk full")
}

func TestTracker_JournalErrorDoesNotBlockEvents(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec.emit, nil, WithJournal(failingJournal{}))
	id := tr.Begin(context.Background())
	require.NoError(t, tr.Fail(context.Background(), id, nil))
	assert.Equal(t, []core.CommandStatus{core.CommandPending, core.CommandFailed}, rec.statuses())
}

func TestGormJournal(t *testing.T) {
	db, cleanup := testdb.Setup(t, &CommandRecord{})
	t.Cleanup(cleanup)

	ctx := context.Background()
	journal := NewGormJournal(db)
	ids := []core.CommandID{"cmd-ok", "cmd-failed"}
	next := 0
	tr := NewTracker(nil, nil, WithJournal(journal), WithIDGenerator(func() core.CommandID {
		id := ids[next]
		next++
		return id
	}))

	ok := tr.Begin(ctx)
	require.NoError(t, tr.Signed(ctx, ok, SignedPayload{Signature: "0xabc", SignedBy: "key", Party: "alice"}))
	require.NoError(t, tr.Executed(ctx, ok, ExecutedPayload{UpdateID: "upd", CompletionOffset: 42}))

	failed := tr.Begin(ctx)
	require.NoError(t, tr.Fail(ctx, failed, errors.New("user rejected")))

	rec, err := journal.Get(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, "executed", rec.Status)
	assert.Equal(t, []string{"pending", "signed", "executed"}, []string(rec.Transitions))
	assert.Equal(t, "0xabc", rec.Signature)
	assert.Equal(t, "upd", rec.UpdateID)
	assert.Equal(t, int64(42), rec.CompletionOffset)
	assert.JSONEq(t, `{"updateId":"upd","completionOffset":42}`, string(rec.LastPayload))

	rec, err = journal.Get(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, []string{"pending", "failed"}, []string(rec.Transitions))
	assert.Equal(t, "user rejected", rec.FailureReason)

	all, err := journal.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
