// Package protocol defines the typed JSON messages exchanged with game clients.
//
// Every frame is an Envelope: a type discriminant plus an optional payload.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Type discriminates an Envelope.
type Type string

// Inbound message types.
const (
	// TypeInitGame asks to be paired with the next waiting player. It is also the
	// outbound type announcing that a game has started.
	TypeInitGame Type = "init_game"
	// TypeMove carries a move inbound and the applied move outbound.
	TypeMove Type = "move"
	// TypeResign concedes the current game.
	TypeResign Type = "resign"
)

// Outbound-only message types.
const (
	TypeMoveRejected Type = "move_rejected"
	TypeGameOver     Type = "game_over"
	TypeError        Type = "error"
)

// Winner values carried by game_over besides a side's color.
const (
	WinnerDraw                 = "draw"
	WinnerOpponentDisconnected = "Opponent disconnected"
)

var (
	// ErrMalformed is returned for frames that are not a JSON envelope.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType is returned for envelopes whose type is not an inbound type.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidMove is returned when a move payload is missing or has bad squares.
	ErrInvalidMove = errors.New("invalid move payload")
)

// Envelope is the wire form of every message.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is an outbound message before encoding.
type Message struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload,omitempty"`
}

// GameStartPayload tells a player which side it plays.
type GameStartPayload struct {
	Color    string `json:"color"`
	GameID   string `json:"game_id"`
	Opponent string `json:"opponent"`
}

// MovePayload is a move from one square to another, with an optional promotion piece.
type MovePayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// MoveUpdatePayload is broadcast to both players after an accepted move.
type MoveUpdatePayload struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	FEN       string `json:"fen"`
	Turn      string `json:"turn"`
}

// MoveRejectedPayload explains to the mover why a move was not applied.
type MoveRejectedPayload struct {
	Reason string `json:"reason"`
}

// GameOverPayload announces the end of a game.
type GameOverPayload struct {
	Winner string `json:"winner"`
	Method string `json:"method,omitempty"`
}

// ErrorPayload is a non-fatal diagnostic for protocol misuse.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Decode parses a raw frame into an Envelope and checks that its type is inbound.
//
// Postcondition: Returns ErrMalformed or ErrUnknownType (wrapped) on failure.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeInitGame, TypeMove, TypeResign:
		return env, nil
	case "":
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// DecodeMove extracts a validated MovePayload from a move envelope.
// Both the flat form {"from","to"} and the nested form {"move":{"from","to"}} are accepted.
//
// Postcondition: Returns ErrInvalidMove (wrapped) when squares or promotion are invalid.
func DecodeMove(env Envelope) (MovePayload, error) {
	if len(env.Payload) == 0 {
		return MovePayload{}, fmt.Errorf("%w: empty payload", ErrInvalidMove)
	}
	var p struct {
		MovePayload
		Move *MovePayload `json:"move"`
	}
	if err := sonic.Unmarshal(env.Payload, &p); err != nil {
		return MovePayload{}, fmt.Errorf("%w: %v", ErrInvalidMove, err)
	}
	mv := p.MovePayload
	if p.Move != nil {
		mv = *p.Move
	}
	if !validSquare(mv.From) || !validSquare(mv.To) {
		return MovePayload{}, fmt.Errorf("%w: squares %q -> %q", ErrInvalidMove, mv.From, mv.To)
	}
	switch mv.Promotion {
	case "", "q", "r", "b", "n":
	default:
		return MovePayload{}, fmt.Errorf("%w: promotion %q", ErrInvalidMove, mv.Promotion)
	}
	return mv, nil
}

func validSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}

// Encode serializes an outbound message.
func Encode(msg Message) ([]byte, error) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}
	return data, nil
}

// GameStart builds the init_game notification.
func GameStart(color, gameID, opponent string) Message {
	return Message{Type: TypeInitGame, Payload: GameStartPayload{Color: color, GameID: gameID, Opponent: opponent}}
}

// MoveUpdate builds the move broadcast.
func MoveUpdate(p MoveUpdatePayload) Message {
	return Message{Type: TypeMove, Payload: p}
}

// MoveRejected builds the move_rejected notification.
func MoveRejected(reason string) Message {
	return Message{Type: TypeMoveRejected, Payload: MoveRejectedPayload{Reason: reason}}
}

// GameOver builds the game_over notification.
func GameOver(winner, method string) Message {
	return Message{Type: TypeGameOver, Payload: GameOverPayload{Winner: winner, Method: method}}
}

// Diagnostic builds an error notification.
func Diagnostic(format string, args ...any) Message {
	return Message{Type: TypeError, Payload: ErrorPayload{Message: fmt.Sprintf(format, args...)}}
}
