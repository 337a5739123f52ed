package fdc

import (
	"fmt"
	"time"
)

// RoundTiming describes the voting epoch schedule of a Flare network. Both
// values come from the FlareSystemsManager contract and are fixed per network.
type RoundTiming struct {
	FirstRoundStart time.Time
	RoundDuration   time.Duration
}

func NewRoundTiming(firstRoundStartTs uint64, roundDurationSeconds uint64) (RoundTiming, error) {
	if firstRoundStartTs == 0 {
		return RoundTiming{}, fmt.Errorf("%w: first round start must be non-zero", ErrInvalidTiming)
	}
	if roundDurationSeconds == 0 {
		return RoundTiming{}, fmt.Errorf("%w: round duration must be non-zero", ErrInvalidTiming)
	}
	return RoundTiming{
		FirstRoundStart: time.Unix(int64(firstRoundStartTs), 0).UTC(),
		RoundDuration:   time.Duration(roundDurationSeconds) * time.Second,
	}, nil
}

// RoundOf returns the voting round containing ts.
func (t RoundTiming) RoundOf(ts time.Time) (uint64, error) {
	if t.RoundDuration <= 0 {
		return 0, fmt.Errorf("%w: zero round duration", ErrInvalidTiming)
	}
	if ts.Before(t.FirstRoundStart) {
		return 0, fmt.Errorf("%w: timestamp %s precedes first voting round", ErrInvalidTiming, ts.UTC().Format(time.RFC3339))
	}
	return uint64(ts.Sub(t.FirstRoundStart) / t.RoundDuration), nil
}

// StartOf returns the start time of round.
func (t RoundTiming) StartOf(round uint64) time.Time {
	return t.FirstRoundStart.Add(time.Duration(round) * t.RoundDuration)
}

// EndOf returns the end time of round (exclusive).
func (t RoundTiming) EndOf(round uint64) time.Time {
	return t.StartOf(round + 1)
}
