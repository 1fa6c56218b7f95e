// Package session pairs waiting connections into games, routes moves to the
// right game, and tears games down when a player leaves.
//
// A Directory is not safe for concurrent use. Transports deliver events through
// a Loop, which applies them to the Directory one at a time.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/game/rules"
	"github.com/cory-johannsen/duel/internal/observability"
	"github.com/cory-johannsen/duel/internal/protocol"
)

// ConnID is the stable identity of one client connection.
type ConnID string

// NewConnID returns a fresh random ConnID.
func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

// ErrAlreadyRegistered is returned by Register for a known connection.
var ErrAlreadyRegistered = errors.New("connection already registered")

// Sender delivers an outbound message to a connection. Send must not block.
type Sender interface {
	Send(id ConnID, msg protocol.Message) error
}

// Membership is the directory's record for a registered connection.
// The zero Membership means registered but not in a game.
type Membership struct {
	game *Game
}

// Matched reports whether the connection currently belongs to a game.
func (m Membership) Matched() bool { return m.game != nil }

// Game returns the connection's game, or nil when unmatched.
func (m Membership) Game() *Game { return m.game }

// Option configures a Directory.
type Option func(*Directory)

// WithEngineFactory sets the rules engine used for new games. Defaults to chess.
func WithEngineFactory(f rules.Factory) Option {
	return func(d *Directory) { d.newEngine = f }
}

// WithRecorder sets the sink for finished games.
func WithRecorder(r Recorder) Option {
	return func(d *Directory) { d.recorder = r }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Directory) { d.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// Directory owns every live connection and game.
type Directory struct {
	sender    Sender
	logger    *zap.Logger
	newEngine rules.Factory
	recorder  Recorder
	metrics   *observability.Metrics
	now       func() time.Time

	games      []*Game
	pending    ConnID
	membership map[ConnID]Membership
}

// NewDirectory creates an empty Directory.
//
// Precondition: sender and logger must be non-nil.
func NewDirectory(sender Sender, logger *zap.Logger, opts ...Option) *Directory {
	d := &Directory{
		sender:     sender,
		logger:     logger,
		newEngine:  rules.NewChessEngine,
		recorder:   nopRecorder{},
		now:        time.Now,
		membership: make(map[ConnID]Membership),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register records a newly opened connection as unmatched.
//
// Postcondition: id is registered, or ErrAlreadyRegistered is returned and state is unchanged.
func (d *Directory) Register(id ConnID) error {
	if _, ok := d.membership[id]; ok {
		return ErrAlreadyRegistered
	}
	d.membership[id] = Membership{}
	d.metrics.ConnectionOpened()
	d.logger.Debug("connection registered", zap.String("conn", string(id)))
	return nil
}

// Deregister forgets a closed connection. If it was in an active game, the game
// ends and the opponent is told the opponent disconnected. Repeated calls are no-ops.
func (d *Directory) Deregister(id ConnID) {
	m, ok := d.membership[id]
	if !ok {
		return
	}
	delete(d.membership, id)
	d.metrics.ConnectionClosed()

	if d.pending == id {
		d.pending = ""
		d.metrics.SetPending(false)
	}

	g := m.game
	if g == nil || !g.Active() {
		d.logger.Debug("connection deregistered", zap.String("conn", string(id)))
		return
	}

	g.abandon(id, d.now())
	opponent := g.Opponent(id)
	if om, ok := d.membership[opponent]; ok && om.game == g {
		d.membership[opponent] = Membership{}
		d.send(opponent, protocol.GameOver(protocol.WinnerOpponentDisconnected, ""))
	}
	d.logger.Info("game abandoned",
		zap.String("game", g.ID),
		zap.String("leaver", string(id)),
		zap.String("remaining", string(opponent)),
	)
	d.finish(g)
}

// StartMatching puts id in the waiting slot, or pairs it with the connection already waiting.
// The waiting connection plays white.
func (d *Directory) StartMatching(id ConnID) {
	m, ok := d.membership[id]
	if !ok {
		d.logger.Warn("start matching from unregistered connection", zap.String("conn", string(id)))
		return
	}
	if m.Matched() {
		d.metrics.MessageDropped("already_matched")
		d.send(id, protocol.Diagnostic("already in game %s", m.game.ID))
		return
	}
	if d.pending == id {
		d.logger.Debug("connection already waiting", zap.String("conn", string(id)))
		return
	}
	if d.pending == "" {
		d.pending = id
		d.metrics.SetPending(true)
		d.logger.Debug("connection waiting for opponent", zap.String("conn", string(id)))
		return
	}

	opponent := d.pending
	d.pending = ""
	d.metrics.SetPending(false)

	g := newGame(uuid.NewString(), opponent, id, d.newEngine(), d.now())
	d.games = append(d.games, g)
	d.membership[opponent] = Membership{game: g}
	d.membership[id] = Membership{game: g}
	d.metrics.GameStarted()

	d.send(opponent, protocol.GameStart(rules.SideWhite.String(), g.ID, string(id)))
	d.send(id, protocol.GameStart(rules.SideBlack.String(), g.ID, string(opponent)))

	d.logger.Info("game started",
		zap.String("game", g.ID),
		zap.String("white", string(opponent)),
		zap.String("black", string(id)),
	)
}

// Move forwards a move from id to its game. Moves from connections outside a game
// never reach the rules engine and only produce a diagnostic.
func (d *Directory) Move(id ConnID, mv rules.Move) {
	g := d.gameOf(id, "move")
	if g == nil {
		return
	}

	res, err := g.ApplyMove(id, mv, d.now())
	if err != nil {
		d.metrics.MessageDropped("not_member")
		d.send(id, protocol.Diagnostic("%v", err))
		return
	}
	d.metrics.MoveProcessed(res.Status.String())

	switch res.Status {
	case rules.Rejected:
		d.send(id, protocol.MoveRejected(res.Reason))
	case rules.Accepted:
		d.broadcast(g, protocol.MoveUpdate(moveUpdate(mv, res.State)))
	case rules.Concluded:
		d.broadcast(g, protocol.MoveUpdate(moveUpdate(mv, res.State)))
		d.conclude(g)
	}
}

// Resign ends id's game in its opponent's favor.
func (d *Directory) Resign(id ConnID) {
	g := d.gameOf(id, "resign")
	if g == nil {
		return
	}
	if _, err := g.Resign(id, d.now()); err != nil {
		d.metrics.MessageDropped("not_member")
		d.send(id, protocol.Diagnostic("%v", err))
		return
	}
	d.conclude(g)
}

// HandleMessage decodes a raw inbound frame and dispatches it.
// Malformed or unknown frames are logged and dropped.
func (d *Directory) HandleMessage(id ConnID, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		cause := "malformed"
		if errors.Is(err, protocol.ErrUnknownType) {
			cause = "unknown_type"
		}
		d.metrics.MessageDropped(cause)
		d.logger.Debug("dropping inbound message", zap.String("conn", string(id)), zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.TypeInitGame:
		d.StartMatching(id)
	case protocol.TypeMove:
		p, err := protocol.DecodeMove(env)
		if err != nil {
			d.metrics.MessageDropped("malformed")
			d.logger.Debug("dropping move", zap.String("conn", string(id)), zap.Error(err))
			return
		}
		d.Move(id, rules.Move{From: p.From, To: p.To, Promotion: p.Promotion})
	case protocol.TypeResign:
		d.Resign(id)
	}
}

// Lookup returns the membership of id and whether id is registered.
func (d *Directory) Lookup(id ConnID) (Membership, bool) {
	m, ok := d.membership[id]
	return m, ok
}

// Pending returns the connection waiting for an opponent, if any.
func (d *Directory) Pending() (ConnID, bool) {
	return d.pending, d.pending != ""
}

// Games returns every game created, in creation order.
func (d *Directory) Games() []*Game {
	out := make([]*Game, len(d.games))
	copy(out, d.games)
	return out
}

// ActiveGames returns the games still in progress.
func (d *Directory) ActiveGames() []*Game {
	return lo.Filter(d.games, func(g *Game, _ int) bool { return g.Active() })
}

// OutcomeCounts tallies finished games by winner label ("white", "black", "draw").
func (d *Directory) OutcomeCounts() map[string]int {
	finished := lo.Reject(d.games, func(g *Game, _ int) bool { return g.Active() })
	return lo.CountValuesBy(finished, func(g *Game) string { return g.Outcome().WinnerLabel() })
}

// ConnectionCount returns the number of registered connections.
func (d *Directory) ConnectionCount() int {
	return len(d.membership)
}

// gameOf returns the active game of id, reporting a diagnostic when there is none.
func (d *Directory) gameOf(id ConnID, action string) *Game {
	m, ok := d.membership[id]
	if !ok || !m.Matched() {
		d.metrics.MessageDropped("no_game")
		d.logger.Info("user attempted to act outside of a game",
			zap.String("conn", string(id)),
			zap.String("action", action),
		)
		if ok {
			d.send(id, protocol.Diagnostic("%s outside of a game", action))
		}
		return nil
	}
	return m.game
}

// conclude announces a finished game to both players and releases them.
func (d *Directory) conclude(g *Game) {
	out := g.Outcome()
	d.broadcast(g, protocol.GameOver(out.WinnerLabel(), out.Method))
	for _, p := range g.Players() {
		if m, ok := d.membership[p]; ok && m.game == g {
			d.membership[p] = Membership{}
		}
	}
	d.logger.Info("game concluded",
		zap.String("game", g.ID),
		zap.String("winner", out.WinnerLabel()),
		zap.String("method", out.Method),
	)
	d.finish(g)
}

func (d *Directory) finish(g *Game) {
	d.metrics.GameEnded(g.Outcome().Method)
	d.recorder.Record(g.Record())
}

func (d *Directory) broadcast(g *Game, msg protocol.Message) {
	for _, p := range g.Players() {
		if _, ok := d.membership[p]; ok {
			d.send(p, msg)
		}
	}
}

func (d *Directory) send(id ConnID, msg protocol.Message) {
	if err := d.sender.Send(id, msg); err != nil {
		d.logger.Debug("send failed",
			zap.String("conn", string(id)),
			zap.String("type", string(msg.Type)),
			zap.Error(err),
		)
	}
}

func moveUpdate(mv rules.Move, st rules.State) protocol.MoveUpdatePayload {
	return protocol.MoveUpdatePayload{
		From:      mv.From,
		To:        mv.To,
		Promotion: mv.Promotion,
		FEN:       st.FEN,
		Turn:      st.Turn.String(),
	}
}
