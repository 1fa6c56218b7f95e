package session

import (
	"errors"
	"time"

	"github.com/cory-johannsen/duel/internal/game/rules"
)

// MethodDisconnect is the outcome method recorded when a player leaves mid-game.
const MethodDisconnect = "disconnect"

var (
	// ErrNotMember is returned when a connection acts on a game it does not belong to.
	ErrNotMember = errors.New("connection is not a player in this game")
	// ErrGameInactive is returned when acting on a game that has already ended.
	ErrGameInactive = errors.New("game has ended")
)

// Game is one match between two connections. The players are fixed at creation;
// PlayerA waited for an opponent and plays white.
//
// A Game holds no reference to the Directory that created it.
type Game struct {
	ID        string
	PlayerA   ConnID
	PlayerB   ConnID
	StartedAt time.Time

	engine  rules.Engine
	active  bool
	outcome rules.Outcome
	endedAt time.Time
}

func newGame(id string, a, b ConnID, engine rules.Engine, now time.Time) *Game {
	return &Game{
		ID:        id,
		PlayerA:   a,
		PlayerB:   b,
		StartedAt: now,
		engine:    engine,
		active:    true,
	}
}

// SideOf returns the side played by id, or rules.SideNone if id is not a player.
func (g *Game) SideOf(id ConnID) rules.Side {
	switch id {
	case g.PlayerA:
		return rules.SideWhite
	case g.PlayerB:
		return rules.SideBlack
	default:
		return rules.SideNone
	}
}

// Opponent returns the other player. The result is meaningless if id is not a player.
func (g *Game) Opponent(id ConnID) ConnID {
	if id == g.PlayerA {
		return g.PlayerB
	}
	return g.PlayerA
}

// Players returns both players, white first.
func (g *Game) Players() [2]ConnID {
	return [2]ConnID{g.PlayerA, g.PlayerB}
}

// Active reports whether the game is still in progress.
func (g *Game) Active() bool { return g.active }

// Outcome returns the terminal outcome. It is the zero Outcome while the game is active.
func (g *Game) Outcome() rules.Outcome { return g.outcome }

// EndedAt returns when the game ended, or the zero time while active.
func (g *Game) EndedAt() time.Time { return g.endedAt }

// State returns the current position.
func (g *Game) State() rules.State { return g.engine.State() }

// History returns the moves applied so far.
func (g *Game) History() []string { return g.engine.History() }

// ApplyMove forwards a move by actor to the rules engine. A Concluded result ends the game.
//
// Precondition: actor should be one of the two players.
// Postcondition: Returns ErrGameInactive or ErrNotMember without touching the engine
// when the move cannot be attempted.
func (g *Game) ApplyMove(actor ConnID, mv rules.Move, now time.Time) (rules.Result, error) {
	if !g.active {
		return rules.Result{}, ErrGameInactive
	}
	side := g.SideOf(actor)
	if side == rules.SideNone {
		return rules.Result{}, ErrNotMember
	}
	res := g.engine.Apply(side, mv)
	if res.Status == rules.Concluded {
		g.end(res.Outcome, now)
	}
	return res, nil
}

// Resign concedes the game on behalf of actor.
func (g *Game) Resign(actor ConnID, now time.Time) (rules.Outcome, error) {
	if !g.active {
		return rules.Outcome{}, ErrGameInactive
	}
	side := g.SideOf(actor)
	if side == rules.SideNone {
		return rules.Outcome{}, ErrNotMember
	}
	out := g.engine.Resign(side)
	g.end(out, now)
	return out, nil
}

// abandon ends the game because leaver disconnected; the remaining player wins.
func (g *Game) abandon(leaver ConnID, now time.Time) {
	if !g.active {
		return
	}
	g.end(rules.Outcome{Winner: g.SideOf(leaver).Other(), Method: MethodDisconnect}, now)
}

func (g *Game) end(out rules.Outcome, now time.Time) {
	g.active = false
	g.outcome = out
	g.endedAt = now
}

// Record snapshots a finished game for archiving.
func (g *Game) Record() GameRecord {
	st := g.engine.State()
	return GameRecord{
		ID:        g.ID,
		White:     g.PlayerA,
		Black:     g.PlayerB,
		Winner:    g.outcome.WinnerLabel(),
		Method:    g.outcome.Method,
		Moves:     g.engine.History(),
		FinalFEN:  st.FEN,
		StartedAt: g.StartedAt,
		EndedAt:   g.endedAt,
	}
}
