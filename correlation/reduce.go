package correlation

import "github.com/procflow/procflow/model"

// ReduceCouples reduces an ordered candidate list to a unique assignment. A
// couple is accepted iff neither its message id nor its waiting event id was
// taken by an earlier acceptance. The accepted message id is always taken; the
// waiting event id is taken only when its event type forbids multiple matches,
// so a start event stays available for further messages in the same batch.
//
// The function is pure: the input slice is never mutated and equal input
// yields equal output.
func ReduceCouples(candidates []model.MessageEventCouple) []model.MessageEventCouple {
	takenMessages := make(map[int64]bool, len(candidates))
	takenWaiting := make(map[int64]bool, len(candidates))
	accepted := make([]model.MessageEventCouple, 0, len(candidates))
	for _, c := range candidates {
		if takenMessages[c.MessageInstanceId] || takenWaiting[c.WaitingMessageId] {
			continue
		}
		takenMessages[c.MessageInstanceId] = true
		if !c.WaitingEventType.AllowsMultipleMatches() {
			takenWaiting[c.WaitingMessageId] = true
		}
		accepted = append(accepted, c)
	}
	return accepted
}
