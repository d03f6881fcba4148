package scoring

import "github.com/roach88/scorelog/internal/ir"

// Summarize seals a final state into a Summary. The winner is the player with
// the highest score; ties go to whoever joined first. Meta carries the
// winning margin over the runner-up.
func Summarize(state ir.Object) ir.Summary {
	players := Players(state)
	scoreObj := state.Object("scores")

	scores := make(map[string]int64, len(players))
	for _, id := range players {
		scores[id] = scoreObj.Int(id)
	}

	sum := ir.Summary{
		Scores:  scores,
		Players: players,
		Rounds:  state.Int("rounds"),
		Mode:    state.String("mode"),
	}
	if len(players) == 0 {
		return sum
	}

	winner := players[0]
	for _, id := range players[1:] {
		if scores[id] > scores[winner] {
			winner = id
		}
	}
	sum.WinnerID = winner

	if len(players) > 1 {
		var runnerUp int64
		first := true
		for _, id := range players {
			if id == winner {
				continue
			}
			if first || scores[id] > runnerUp {
				runnerUp = scores[id]
				first = false
			}
		}
		sum.Meta = ir.Object{"margin": ir.Int(scores[winner] - runnerUp)}
	}
	return sum
}
