package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scorelog/internal/ir"
	"github.com/roach88/scorelog/internal/reducer"
)

func ev(id, typ string, payload ir.Object) ir.Event {
	return ir.Event{Type: typ, EventID: id, Payload: payload}
}

func twoPlayerGame() []ir.Event {
	return []ir.Event{
		ev("e1", PlayerAdded, ir.Object{"playerId": ir.String("ann"), "name": ir.String("Ann")}),
		ev("e2", PlayerAdded, ir.Object{"playerId": ir.String("bob"), "name": ir.String("Bob")}),
		ev("e3", ModeSet, ir.Object{"mode": ir.String("classic")}),
		ev("e4", ScoreAdded, ir.Object{"playerId": ir.String("ann"), "points": ir.Int(5)}),
		ev("e5", ScoreAdded, ir.Object{"playerId": ir.String("bob"), "points": ir.Int(8)}),
		ev("e6", RoundFinalized, ir.Object{"round": ir.Int(1)}),
	}
}

func TestFoldTwoPlayerGame(t *testing.T) {
	r := Registry()
	for _, e := range twoPlayerGame() {
		require.NoError(t, r.Validate(e))
	}

	state := r.FoldAll(r.Initial(), twoPlayerGame())

	assert.Equal(t, []string{"ann", "bob"}, Players(state))
	assert.Equal(t, int64(5), state.Object("scores").Int("ann"))
	assert.Equal(t, int64(8), state.Object("scores").Int("bob"))
	assert.Equal(t, int64(1), state.Int("rounds"))
	assert.Equal(t, "classic", state.String("mode"))
}

func TestFoldIgnoresUnknownPlayerAndRepeats(t *testing.T) {
	r := Registry()
	evs := append(twoPlayerGame(),
		ev("e7", ScoreAdded, ir.Object{"playerId": ir.String("zed"), "points": ir.Int(100)}),
		ev("e8", PlayerAdded, ir.Object{"playerId": ir.String("ann"), "name": ir.String("Ann again")}),
		ev("e9", RoundFinalized, ir.Object{"round": ir.Int(1)}),
	)
	state := r.FoldAll(r.Initial(), evs)

	assert.Equal(t, []string{"ann", "bob"}, Players(state))
	assert.NotContains(t, state.Object("scores"), "zed")
	assert.Equal(t, int64(1), state.Int("rounds"))
}

func TestFoldPlayerRemoved(t *testing.T) {
	r := Registry()
	evs := append(twoPlayerGame(), ev("e7", PlayerRemoved, ir.Object{"playerId": ir.String("ann")}))
	state := r.FoldAll(r.Initial(), evs)

	assert.Equal(t, []string{"bob"}, Players(state))
	assert.NotContains(t, state.Object("scores"), "ann")
}

func TestSchemaRejections(t *testing.T) {
	r := Registry()
	tests := []struct {
		name string
		e    ir.Event
		code reducer.Code
	}{
		{"points as string", ev("x", ScoreAdded, ir.Object{"playerId": ir.String("a"), "points": ir.String("3")}), reducer.CodeInvalidPayload},
		{"extra field", ev("x", ModeSet, ir.Object{"mode": ir.String("m"), "extra": ir.Int(1)}), reducer.CodeInvalidPayload},
		{"round zero", ev("x", RoundFinalized, ir.Object{"round": ir.Int(0)}), reducer.CodeInvalidPayload},
		{"unknown", ev("x", "bid/placed", ir.Object{}), reducer.CodeUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, ok := reducer.CodeOf(r.Validate(tt.e))
			require.True(t, ok)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestRosterTypes(t *testing.T) {
	r := Registry()
	assert.True(t, r.IsRoster(PlayerAdded))
	assert.True(t, r.IsRoster(PlayerRemoved))
	assert.True(t, r.IsRoster(ModeSet))
	assert.False(t, r.IsRoster(ScoreAdded))
	assert.False(t, r.IsRoster(RoundFinalized))
}

func TestSummarize(t *testing.T) {
	r := Registry()
	sum := Summarize(r.FoldAll(r.Initial(), twoPlayerGame()))

	assert.Equal(t, "bob", sum.WinnerID)
	assert.Equal(t, map[string]int64{"ann": 5, "bob": 8}, sum.Scores)
	assert.Equal(t, []string{"ann", "bob"}, sum.Players)
	assert.Equal(t, int64(1), sum.Rounds)
	assert.Equal(t, "classic", sum.Mode)
	assert.Equal(t, int64(3), sum.Meta.Int("margin"))
}

func TestSummarizeTieGoesToRosterOrder(t *testing.T) {
	r := Registry()
	evs := []ir.Event{
		ev("e1", PlayerAdded, ir.Object{"playerId": ir.String("bob"), "name": ir.String("Bob")}),
		ev("e2", PlayerAdded, ir.Object{"playerId": ir.String("ann"), "name": ir.String("Ann")}),
		ev("e3", ScoreAdded, ir.Object{"playerId": ir.String("ann"), "points": ir.Int(4)}),
		ev("e4", ScoreAdded, ir.Object{"playerId": ir.String("bob"), "points": ir.Int(4)}),
	}
	sum := Summarize(r.FoldAll(r.Initial(), evs))
	assert.Equal(t, "bob", sum.WinnerID)
	assert.Equal(t, int64(0), sum.Meta.Int("margin"))
}

func TestSummarizeEmpty(t *testing.T) {
	sum := Summarize(Initial())
	assert.Empty(t, sum.WinnerID)
	assert.Empty(t, sum.Players)
	assert.Nil(t, sum.Meta)
}
