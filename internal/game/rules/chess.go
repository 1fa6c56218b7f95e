package rules

import (
	"github.com/notnil/chess"
)

// Rejection reasons reported to the mover.
const (
	ReasonNotYourTurn = "not your turn"
	ReasonIllegalMove = "illegal move"
	ReasonGameOver    = "game is already over"
)

// ChessEngine is an Engine for standard chess. White moves first.
type ChessEngine struct {
	game    *chess.Game
	history []string
}

// NewChessEngine returns an Engine at the standard starting position.
// It satisfies Factory.
func NewChessEngine() Engine {
	return &ChessEngine{
		game: chess.NewGame(chess.UseNotation(chess.UCINotation{})),
	}
}

// Apply implements Engine.
func (e *ChessEngine) Apply(side Side, mv Move) Result {
	if e.game.Outcome() != chess.NoOutcome {
		return Result{Status: Rejected, Reason: ReasonGameOver, State: e.State()}
	}
	if colorOf(side) != e.game.Position().Turn() {
		return Result{Status: Rejected, Reason: ReasonNotYourTurn, State: e.State()}
	}
	if err := e.game.MoveStr(mv.String()); err != nil {
		return Result{Status: Rejected, Reason: ReasonIllegalMove, State: e.State()}
	}
	e.history = append(e.history, mv.String())

	if e.game.Outcome() != chess.NoOutcome {
		return Result{Status: Concluded, Outcome: e.outcome(), State: e.State()}
	}
	return Result{Status: Accepted, State: e.State()}
}

// Resign implements Engine.
func (e *ChessEngine) Resign(side Side) Outcome {
	if e.game.Outcome() == chess.NoOutcome {
		e.game.Resign(colorOf(side))
	}
	return e.outcome()
}

// State implements Engine.
func (e *ChessEngine) State() State {
	return State{
		FEN:  e.game.FEN(),
		Turn: sideOf(e.game.Position().Turn()),
	}
}

// History implements Engine.
func (e *ChessEngine) History() []string {
	out := make([]string, len(e.history))
	copy(out, e.history)
	return out
}

func (e *ChessEngine) outcome() Outcome {
	var winner Side
	switch e.game.Outcome() {
	case chess.WhiteWon:
		winner = SideWhite
	case chess.BlackWon:
		winner = SideBlack
	}
	return Outcome{Winner: winner, Method: methodLabel(e.game.Method())}
}

func methodLabel(m chess.Method) string {
	switch m {
	case chess.Checkmate:
		return "checkmate"
	case chess.Resignation:
		return "resignation"
	case chess.DrawOffer:
		return "draw_offer"
	case chess.Stalemate:
		return "stalemate"
	case chess.ThreefoldRepetition:
		return "threefold_repetition"
	case chess.FivefoldRepetition:
		return "fivefold_repetition"
	case chess.FiftyMoveRule:
		return "fifty_move_rule"
	case chess.SeventyFiveMoveRule:
		return "seventy_five_move_rule"
	case chess.InsufficientMaterial:
		return "insufficient_material"
	default:
		return ""
	}
}

func colorOf(s Side) chess.Color {
	switch s {
	case SideWhite:
		return chess.White
	case SideBlack:
		return chess.Black
	default:
		return chess.NoColor
	}
}

func sideOf(c chess.Color) Side {
	switch c {
	case chess.White:
		return SideWhite
	case chess.Black:
		return SideBlack
	default:
		return SideNone
	}
}
