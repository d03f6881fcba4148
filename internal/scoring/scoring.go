// Package scoring is a minimal scoring reducer: a roster of players, running
// integer scores, a round counter and a game mode.
//
// It is the reducer the CLI, the scenario harness and the engine tests run
// against. Real game rules live outside this module and plug in through
// reducer.Registry the same way.
package scoring

import (
	"sync"

	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/reducer"
)

// Event types.
const (
	PlayerAdded    = "player/added"
	PlayerRemoved  = "player/removed"
	ModeSet        = "game/mode-set"
	ScoreAdded     = "score/added"
	RoundFinalized = "round/finalized"
)

// Payload schemas.
const (
	playerAddedSchema    = `close({playerId: string & != "", name: string})`
	playerRemovedSchema  = `close({playerId: string & != ""})`
	modeSetSchema        = `close({mode: string & != ""})`
	scoreAddedSchema     = `close({playerId: string & != "", points: int})`
	roundFinalizedSchema = `close({round: int & >=1})`
)

// Initial returns the empty game state.
func Initial() ir.Object {
	return ir.Object{
		"players": ir.Array{},
		"scores":  ir.Object{},
		"rounds":  ir.Int(0),
		"mode":    ir.String(""),
	}
}

var registry = sync.OnceValue(func() *reducer.Registry {
	return reducer.MustRegistry(Initial,
		reducer.Definition{Type: PlayerAdded, Schema: playerAddedSchema, Fold: foldPlayerAdded, Roster: true},
		reducer.Definition{Type: PlayerRemoved, Schema: playerRemovedSchema, Fold: foldPlayerRemoved, Roster: true},
		reducer.Definition{Type: ModeSet, Schema: modeSetSchema, Fold: foldModeSet, Roster: true},
		reducer.Definition{Type: ScoreAdded, Schema: scoreAddedSchema, Fold: foldScoreAdded},
		reducer.Definition{Type: RoundFinalized, Schema: roundFinalizedSchema, Fold: foldRoundFinalized},
	)
})

// Registry returns the shared scoring registry.
func Registry() *reducer.Registry {
	return registry()
}

// Players returns the roster ids in join order.
func Players(state ir.Object) []string {
	arr := state.Array("players")
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if p, ok := v.(ir.Object); ok {
			out = append(out, p.String("id"))
		}
	}
	return out
}

func hasPlayer(state ir.Object, id string) bool {
	for _, p := range Players(state) {
		if p == id {
			return true
		}
	}
	return false
}

func foldPlayerAdded(state ir.Object, ev ir.Event) ir.Object {
	id := ev.Payload.String("playerId")
	if hasPlayer(state, id) {
		return state
	}

	players := append(ir.Array{}, state.Array("players")...)
	players = append(players, ir.Object{"id": ir.String(id), "name": ev.Payload["name"]})

	scores := state.Object("scores")
	if _, ok := scores[id]; !ok {
		scores = scores.With(id, ir.Int(0))
	}
	return state.With("players", players).With("scores", scores)
}

func foldPlayerRemoved(state ir.Object, ev ir.Event) ir.Object {
	id := ev.Payload.String("playerId")
	if !hasPlayer(state, id) {
		return state
	}

	players := ir.Array{}
	for _, v := range state.Array("players") {
		if p, ok := v.(ir.Object); ok && p.String("id") == id {
			continue
		}
		players = append(players, v)
	}
	return state.With("players", players).With("scores", state.Object("scores").Without(id))
}

func foldModeSet(state ir.Object, ev ir.Event) ir.Object {
	return state.With("mode", ev.Payload["mode"])
}

// Points for players not on the roster are dropped.
func foldScoreAdded(state ir.Object, ev ir.Event) ir.Object {
	id := ev.Payload.String("playerId")
	if !hasPlayer(state, id) {
		return state
	}
	scores := state.Object("scores")
	return state.With("scores", scores.With(id, ir.Int(scores.Int(id)+ev.Payload.Int("points"))))
}

func foldRoundFinalized(state ir.Object, ev ir.Event) ir.Object {
	round := ev.Payload.Int("round")
	if round <= state.Int("rounds") {
		return state
	}
	return state.With("rounds", ir.Int(round))
}
