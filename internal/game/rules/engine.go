// Package rules defines the contract between a game session and the rules engine
// that validates moves and detects terminal outcomes.
package rules

// Side identifies which role a player holds in a game.
type Side int

const (
	// SideNone is the zero Side; it never owns a turn.
	SideNone Side = iota
	// SideWhite is the first role, always assigned to the player who waited.
	SideWhite
	// SideBlack is the second role.
	SideBlack
)

// String returns the lowercase color name used on the wire.
func (s Side) String() string {
	switch s {
	case SideWhite:
		return "white"
	case SideBlack:
		return "black"
	default:
		return "none"
	}
}

// Other returns the opposing side.
func (s Side) Other() Side {
	switch s {
	case SideWhite:
		return SideBlack
	case SideBlack:
		return SideWhite
	default:
		return SideNone
	}
}

// Move is an opaque move descriptor: origin and destination squares plus an
// optional promotion piece letter.
type Move struct {
	From      string
	To        string
	Promotion string
}

// String renders the move in long algebraic form, e.g. "e7e8q".
func (m Move) String() string {
	return m.From + m.To + m.Promotion
}

// Status classifies the result of applying a move.
type Status int

const (
	// Accepted means the move was applied and the game continues.
	Accepted Status = iota
	// Rejected means the move was illegal or out of turn; state is unchanged.
	Rejected
	// Concluded means the move was applied and ended the game.
	Concluded
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Concluded:
		return "concluded"
	default:
		return "unknown"
	}
}

// Outcome is a terminal result. Winner is SideNone for a draw.
type Outcome struct {
	Winner Side
	// Method is a low-cardinality label such as "checkmate" or "stalemate".
	Method string
}

// IsDraw reports whether the game ended without a winner.
func (o Outcome) IsDraw() bool {
	return o.Winner == SideNone
}

// WinnerLabel returns the winning color or "draw".
func (o Outcome) WinnerLabel() string {
	if o.IsDraw() {
		return "draw"
	}
	return o.Winner.String()
}

// State is a snapshot of the position after the latest move.
type State struct {
	FEN  string
	Turn Side
}

// Result is returned by Engine.Apply.
type Result struct {
	Status Status
	// Reason is set when Status is Rejected.
	Reason string
	// Outcome is set when Status is Concluded.
	Outcome Outcome
	State   State
}

// Engine validates and applies moves for one game.
// Implementations are not safe for concurrent use.
type Engine interface {
	// Apply attempts a move on behalf of side. Wrong-turn moves are rejected.
	Apply(side Side, mv Move) Result
	// Resign concludes the game in favor of the other side.
	Resign(side Side) Outcome
	// State returns the current position.
	State() State
	// History returns applied moves in long algebraic form.
	History() []string
}

// Factory constructs an Engine in its initial state.
type Factory func() Engine
