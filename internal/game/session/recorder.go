package session

import "time"

// GameRecord is the archived form of a finished game.
type GameRecord struct {
	ID       string
	White    ConnID
	Black    ConnID
	Winner   string
	Method   string
	Moves    []string
	FinalFEN string

	StartedAt time.Time
	EndedAt   time.Time
}

// Recorder receives every game once it has ended.
// Record is called from the directory's event loop and must not block.
type Recorder interface {
	Record(rec GameRecord)
}

type nopRecorder struct{}

func (nopRecorder) Record(GameRecord) {}
