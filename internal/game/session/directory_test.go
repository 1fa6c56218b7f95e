package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/duel/internal/game/rules"
	"github.com/cory-johannsen/duel/internal/protocol"
)

// recordingSender captures every outbound message per connection.
type recordingSender struct {
	sent map[ConnID][]protocol.Message
	fail bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(map[ConnID][]protocol.Message)}
}

func (s *recordingSender) Send(id ConnID, msg protocol.Message) error {
	if s.fail {
		return errors.New("closed")
	}
	s.sent[id] = append(s.sent[id], msg)
	return nil
}

func (s *recordingSender) types(id ConnID) []protocol.Type {
	var out []protocol.Type
	for _, m := range s.sent[id] {
		out = append(out, m.Type)
	}
	return out
}

func (s *recordingSender) count(id ConnID, typ protocol.Type) int {
	n := 0
	for _, m := range s.sent[id] {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func (s *recordingSender) last(id ConnID) protocol.Message {
	msgs := s.sent[id]
	if len(msgs) == 0 {
		return protocol.Message{}
	}
	return msgs[len(msgs)-1]
}

// scriptedEngine returns queued results and counts Apply calls.
type scriptedEngine struct {
	results []rules.Result
	applied int
}

func (e *scriptedEngine) Apply(side rules.Side, mv rules.Move) rules.Result {
	e.applied++
	if len(e.results) == 0 {
		return rules.Result{Status: rules.Accepted, State: rules.State{FEN: "fen", Turn: side.Other()}}
	}
	r := e.results[0]
	e.results = e.results[1:]
	return r
}

func (e *scriptedEngine) Resign(side rules.Side) rules.Outcome {
	return rules.Outcome{Winner: side.Other(), Method: "resignation"}
}

func (e *scriptedEngine) State() rules.State { return rules.State{FEN: "fen", Turn: rules.SideWhite} }

func (e *scriptedEngine) History() []string { return nil }

type captureRecorder struct {
	records []GameRecord
}

func (r *captureRecorder) Record(rec GameRecord) { r.records = append(r.records, rec) }

func newTestDirectory(t *testing.T, opts ...Option) (*Directory, *recordingSender) {
	t.Helper()
	sender := newRecordingSender()
	return NewDirectory(sender, zaptest.NewLogger(t), opts...), sender
}

func registerAll(t *testing.T, d *Directory, ids ...ConnID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, d.Register(id))
	}
}

func TestDirectory_Register(t *testing.T) {
	d, _ := newTestDirectory(t)
	require.NoError(t, d.Register("a"))

	m, ok := d.Lookup("a")
	require.True(t, ok)
	assert.False(t, m.Matched())
	assert.Nil(t, m.Game())
	assert.Equal(t, 1, d.ConnectionCount())

	_, pending := d.Pending()
	assert.False(t, pending, "registration alone must not queue for a game")
}

func TestDirectory_RegisterDuplicate(t *testing.T) {
	d, _ := newTestDirectory(t)
	require.NoError(t, d.Register("a"))
	assert.ErrorIs(t, d.Register("a"), ErrAlreadyRegistered)
	assert.Equal(t, 1, d.ConnectionCount())
}

func TestDirectory_LookupUnregistered(t *testing.T) {
	d, _ := newTestDirectory(t)
	_, ok := d.Lookup("ghost")
	assert.False(t, ok)
}

func TestDirectory_PairsTwoConnections(t *testing.T) {
	d, s := newTestDirectory(t)
	registerAll(t, d, "a", "b")

	d.StartMatching("a")
	p, ok := d.Pending()
	require.True(t, ok)
	assert.Equal(t, ConnID("a"), p)
	assert.Empty(t, s.sent["a"])

	d.StartMatching("b")
	_, ok = d.Pending()
	assert.False(t, ok)

	games := d.Games()
	require.Len(t, games, 1)
	g := games[0]
	assert.Equal(t, ConnID("a"), g.PlayerA)
	assert.Equal(t, ConnID("b"), g.PlayerB)
	assert.True(t, g.Active())

	ma, _ := d.Lookup("a")
	mb, _ := d.Lookup("b")
	assert.Same(t, g, ma.Game())
	assert.Same(t, g, mb.Game())

	assert.Equal(t, protocol.GameStart("white", g.ID, "b"), s.last("a"))
	assert.Equal(t, protocol.GameStart("black", g.ID, "a"), s.last("b"))
}

func TestDirectory_PendingResendIsNoop(t *testing.T) {
	d, s := newTestDirectory(t)
	registerAll(t, d, "a")

	d.StartMatching("a")
	d.StartMatching("a")

	p, ok := d.Pending()
	require.True(t, ok)
	assert.Equal(t, ConnID("a"), p)
	assert.Empty(t, d.Games())
	assert.Empty(t, s.sent["a"])
}

func TestDirectory_MatchedStartMatchingRejected(t *testing.T) {
	d, s := newTestDirectory(t)
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")

	d.StartMatching("a")

	assert.Len(t, d.Games(), 1)
	_, ok := d.Pending()
	assert.False(t, ok)
	assert.Equal(t, protocol.TypeError, s.last("a").Type)
	ma, _ := d.Lookup("a")
	assert.True(t, ma.Matched())
}

func TestDirectory_StartMatchingUnregistered(t *testing.T) {
	d, _ := newTestDirectory(t)
	d.StartMatching("ghost")
	_, ok := d.Pending()
	assert.False(t, ok)
}

func TestDirectory_ThirdConnectionLeavesPairAlone(t *testing.T) {
	d, _ := newTestDirectory(t)
	registerAll(t, d, "a", "b", "c")
	d.StartMatching("a")
	d.StartMatching("b")
	g := d.Games()[0]

	d.StartMatching("c")

	assert.Len(t, d.Games(), 1)
	assert.Equal(t, [2]ConnID{"a", "b"}, g.Players())
	p, ok := d.Pending()
	require.True(t, ok)
	assert.Equal(t, ConnID("c"), p)
}

// X, Y, Z connect; X and Y are paired; Z waits; Y leaves.
func TestDirectory_DisconnectScenario(t *testing.T) {
	rec := &captureRecorder{}
	d, s := newTestDirectory(t, WithRecorder(rec))
	registerAll(t, d, "x", "y", "z")

	d.HandleMessage("x", []byte(`{"type":"init_game"}`))
	d.HandleMessage("y", []byte(`{"type":"init_game"}`))
	require.Len(t, d.Games(), 1)
	g := d.Games()[0]
	d.HandleMessage("z", []byte(`{"type":"init_game"}`))

	d.Deregister("y")

	assert.Equal(t, 1, s.count("x", protocol.TypeGameOver))
	assert.Equal(t, protocol.GameOver(protocol.WinnerOpponentDisconnected, ""), s.last("x"))

	mx, ok := d.Lookup("x")
	require.True(t, ok)
	assert.False(t, mx.Matched())
	assert.False(t, g.Active())
	assert.Equal(t, MethodDisconnect, g.Outcome().Method)
	assert.Equal(t, rules.SideWhite, g.Outcome().Winner)

	p, ok := d.Pending()
	require.True(t, ok)
	assert.Equal(t, ConnID("z"), p)
	assert.Empty(t, s.sent["z"])

	require.Len(t, rec.records, 1)
	assert.Equal(t, "white", rec.records[0].Winner)

	// X can play again; it is paired with the waiting Z.
	d.StartMatching("x")
	require.Len(t, d.Games(), 2)
	g2 := d.Games()[1]
	assert.Equal(t, ConnID("z"), g2.PlayerA)
	assert.Equal(t, ConnID("x"), g2.PlayerB)
}

func TestDirectory_DeregisterTwiceSingleGameOver(t *testing.T) {
	rec := &captureRecorder{}
	d, s := newTestDirectory(t, WithRecorder(rec))
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")

	d.Deregister("a")
	d.Deregister("a")

	assert.Equal(t, 1, s.count("b", protocol.TypeGameOver))
	assert.Len(t, rec.records, 1)
	assert.Equal(t, 1, d.ConnectionCount())
}

func TestDirectory_BothPlayersLeave(t *testing.T) {
	d, s := newTestDirectory(t)
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")

	d.Deregister("a")
	d.Deregister("b")

	assert.Equal(t, 0, s.count("a", protocol.TypeGameOver))
	assert.Equal(t, 1, s.count("b", protocol.TypeGameOver))
	assert.Equal(t, 0, d.ConnectionCount())
	assert.Empty(t, d.ActiveGames())
}

func TestDirectory_DeregisterUnknown(t *testing.T) {
	d, _ := newTestDirectory(t)
	assert.NotPanics(t, func() { d.Deregister("ghost") })
}

func TestDirectory_DeregisterPendingClearsSlot(t *testing.T) {
	d, _ := newTestDirectory(t)
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.Deregister("a")

	_, ok := d.Pending()
	assert.False(t, ok)

	d.StartMatching("b")
	p, ok := d.Pending()
	require.True(t, ok)
	assert.Equal(t, ConnID("b"), p)
	assert.Empty(t, d.Games())
}

func TestDirectory_MoveOutsideGame(t *testing.T) {
	eng := &scriptedEngine{}
	d, s := newTestDirectory(t, WithEngineFactory(func() rules.Engine { return eng }))
	registerAll(t, d, "a")

	d.Move("a", rules.Move{From: "e2", To: "e4"})

	assert.Equal(t, 0, eng.applied)
	assert.Equal(t, []protocol.Type{protocol.TypeError}, s.types("a"))
}

func TestDirectory_MoveFromUnregistered(t *testing.T) {
	d, s := newTestDirectory(t)
	assert.NotPanics(t, func() { d.Move("ghost", rules.Move{From: "e2", To: "e4"}) })
	assert.Empty(t, s.sent)
}

func TestDirectory_MoveFromPendingNeverReachesEngine(t *testing.T) {
	eng := &scriptedEngine{}
	d, _ := newTestDirectory(t, WithEngineFactory(func() rules.Engine { return eng }))
	registerAll(t, d, "a")
	d.StartMatching("a")

	d.Move("a", rules.Move{From: "e2", To: "e4"})
	assert.Equal(t, 0, eng.applied)
}

func TestDirectory_MoveAccepted(t *testing.T) {
	d, s := newTestDirectory(t)
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")

	d.Move("a", rules.Move{From: "e2", To: "e4"})

	for _, id := range []ConnID{"a", "b"} {
		last := s.last(id)
		require.Equal(t, protocol.TypeMove, last.Type)
		p := last.Payload.(protocol.MoveUpdatePayload)
		assert.Equal(t, "e2", p.From)
		assert.Equal(t, "e4", p.To)
		assert.Equal(t, "black", p.Turn)
	}
}

func TestDirectory_MoveRejectedOnlyToMover(t *testing.T) {
	d, s := newTestDirectory(t)
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")
	before := len(s.sent["a"])

	d.Move("b", rules.Move{From: "e7", To: "e5"})

	assert.Equal(t, protocol.MoveRejected(rules.ReasonNotYourTurn), s.last("b"))
	assert.Len(t, s.sent["a"], before)
	assert.True(t, d.Games()[0].Active())
}

func TestDirectory_MoveConcludesGame(t *testing.T) {
	eng := &scriptedEngine{results: []rules.Result{{
		Status:  rules.Concluded,
		Outcome: rules.Outcome{Winner: rules.SideWhite, Method: "checkmate"},
		State:   rules.State{FEN: "final", Turn: rules.SideBlack},
	}}}
	rec := &captureRecorder{}
	d, s := newTestDirectory(t,
		WithEngineFactory(func() rules.Engine { return eng }),
		WithRecorder(rec),
	)
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")
	g := d.Games()[0]

	d.Move("a", rules.Move{From: "d1", To: "h5"})

	for _, id := range []ConnID{"a", "b"} {
		assert.Equal(t, []protocol.Type{protocol.TypeInitGame, protocol.TypeMove, protocol.TypeGameOver}, s.types(id))
		assert.Equal(t, protocol.GameOver("white", "checkmate"), s.last(id))
		m, ok := d.Lookup(id)
		require.True(t, ok)
		assert.False(t, m.Matched(), "%s must be released after conclusion", id)
	}
	assert.False(t, g.Active())
	assert.Empty(t, d.ActiveGames())
	require.Len(t, rec.records, 1)
	assert.Equal(t, "checkmate", rec.records[0].Method)

	// A later disconnect must not produce a second game_over.
	d.Deregister("a")
	assert.Equal(t, 1, s.count("b", protocol.TypeGameOver))
	assert.Len(t, rec.records, 1)
}

func TestDirectory_PlayAgainAfterConclusion(t *testing.T) {
	eng := &scriptedEngine{results: []rules.Result{{Status: rules.Concluded, Outcome: rules.Outcome{Method: "stalemate"}}}}
	d, _ := newTestDirectory(t, WithEngineFactory(func() rules.Engine { return eng }))
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")
	d.Move("a", rules.Move{From: "a2", To: "a3"})

	d.StartMatching("b")
	d.StartMatching("a")

	require.Len(t, d.Games(), 2)
	g := d.Games()[1]
	assert.Equal(t, ConnID("b"), g.PlayerA)
	assert.Equal(t, ConnID("a"), g.PlayerB)
}

func TestDirectory_Resign(t *testing.T) {
	rec := &captureRecorder{}
	d, s := newTestDirectory(t, WithRecorder(rec))
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")

	d.HandleMessage("a", []byte(`{"type":"resign"}`))

	assert.Equal(t, protocol.GameOver("black", "resignation"), s.last("a"))
	assert.Equal(t, protocol.GameOver("black", "resignation"), s.last("b"))
	ma, _ := d.Lookup("a")
	assert.False(t, ma.Matched())
	require.Len(t, rec.records, 1)
	assert.Equal(t, "black", rec.records[0].Winner)
}

func TestDirectory_OutcomeCounts(t *testing.T) {
	d, _ := newTestDirectory(t)
	registerAll(t, d, "a", "b", "c", "e")
	d.StartMatching("a")
	d.StartMatching("b")
	d.StartMatching("c")
	d.StartMatching("e")

	d.Resign("a")
	d.Deregister("e")

	assert.Equal(t, map[string]int{"black": 1, "white": 1}, d.OutcomeCounts())

	d.StartMatching("a")
	assert.Len(t, d.OutcomeCounts(), 2)
}

func TestDirectory_ResignOutsideGame(t *testing.T) {
	d, s := newTestDirectory(t)
	registerAll(t, d, "a")
	d.Resign("a")
	assert.Equal(t, []protocol.Type{protocol.TypeError}, s.types("a"))
}

func TestDirectory_HandleMessageMalformed(t *testing.T) {
	d, s := newTestDirectory(t)
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")
	before := len(s.sent["a"])

	for _, raw := range []string{`garbage`, `{"type":"teleport"}`, `{"type":"move","payload":{"from":"x9"}}`, ``} {
		assert.NotPanics(t, func() { d.HandleMessage("a", []byte(raw)) })
	}
	assert.Len(t, s.sent["a"], before)
	assert.True(t, d.Games()[0].Active())
}

func TestDirectory_HandleMessageChessMove(t *testing.T) {
	d, s := newTestDirectory(t)
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")

	d.HandleMessage("a", []byte(`{"type":"move","payload":{"from":"e2","to":"e4"}}`))

	assert.Equal(t, protocol.TypeMove, s.last("b").Type)
	assert.Equal(t, []string{"e2e4"}, d.Games()[0].History())
}

func TestDirectory_SendFailureDoesNotCorruptState(t *testing.T) {
	d, s := newTestDirectory(t)
	s.fail = true
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")
	d.Deregister("a")

	mb, ok := d.Lookup("b")
	require.True(t, ok)
	assert.False(t, mb.Matched())
}

func TestDirectory_ClockStampsGames(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d, _ := newTestDirectory(t, WithClock(func() time.Time { return start }))
	registerAll(t, d, "a", "b")
	d.StartMatching("a")
	d.StartMatching("b")
	d.Deregister("b")

	g := d.Games()[0]
	assert.Equal(t, start, g.StartedAt)
	assert.Equal(t, start, g.EndedAt())
}

func TestNewConnID_Unique(t *testing.T) {
	assert.NotEqual(t, NewConnID(), NewConnID())
}
