package analysis

import (
	"time"

	"github.com/google/uuid"

	"grainmesh/internal/market"
)

type CommandKind string

const (
	KindStartAnalysis CommandKind = "StartAnalysis"
	KindStopAnalysis  CommandKind = "StopAnalysis"
	KindFeedLost      CommandKind = "FeedLost"
)

// Command is posted by an analysis actor onto its own command stream.
type Command interface {
	CommandID() uuid.UUID
	CreatedAt() time.Time
	Kind() CommandKind
}

type commandHeader struct {
	ID      uuid.UUID `json:"id"`
	Created time.Time `json:"createdAt"`
}

func newHeader() commandHeader {
	return commandHeader{ID: uuid.New(), Created: time.Now().UTC()}
}

func (h commandHeader) CommandID() uuid.UUID { return h.ID }
func (h commandHeader) CreatedAt() time.Time { return h.Created }

type StartAnalysis struct {
	commandHeader
	Symbol string          `json:"symbol"`
	Type   market.PairType `json:"type"`
}

func NewStartAnalysis(symbol string, t market.PairType) StartAnalysis {
	return StartAnalysis{commandHeader: newHeader(), Symbol: symbol, Type: t}
}

func (StartAnalysis) Kind() CommandKind { return KindStartAnalysis }

type StopAnalysis struct {
	commandHeader
	PairKey string `json:"pairKey"`
}

func NewStopAnalysis(pairKey string) StopAnalysis {
	return StopAnalysis{commandHeader: newHeader(), PairKey: pairKey}
}

func (StopAnalysis) Kind() CommandKind { return KindStopAnalysis }

// FeedLost is posted when the exchange drops the ticker subscription of a running analysis.
type FeedLost struct {
	commandHeader
	PairKey string `json:"pairKey"`
	Reason  string `json:"reason"`
}

func NewFeedLost(pairKey, reason string) FeedLost {
	return FeedLost{commandHeader: newHeader(), PairKey: pairKey, Reason: reason}
}

func (FeedLost) Kind() CommandKind { return KindFeedLost }

// StatusChanged is broadcast on every status transition.
type StatusChanged struct {
	PairKey string          `json:"pairKey"`
	Symbol  string          `json:"symbol"`
	Type    market.PairType `json:"type"`
	From    Status          `json:"from"`
	To      Status          `json:"to"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
}

// CommandCompleted is sent to the requester of a command once it has been handled.
type CommandCompleted struct {
	CommandID uuid.UUID   `json:"commandId"`
	Kind      CommandKind `json:"kind"`
	PairKey   string      `json:"pairKey"`
	Status    Status      `json:"status"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	At        time.Time   `json:"at"`
}
