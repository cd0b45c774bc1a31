package correlation

import (
	"testing"

	"github.com/procflow/procflow/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func couple(msgId, waitingId int64, et model.EventType) model.MessageEventCouple {
	return model.MessageEventCouple{
		MessageInstanceId: msgId,
		WaitingMessageId:  waitingId,
		WaitingEventType:  et,
	}
}

func TestReduceCouples(t *testing.T) {
	scenarios := map[string]struct {
		in   []model.MessageEventCouple
		want []model.MessageEventCouple
	}{
		"empty": {
			in:   nil,
			want: []model.MessageEventCouple{},
		},
		"distinct couples all accepted": {
			in: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeIntermediateCatch),
				couple(2, 20, model.EventTypeIntermediateCatch),
			},
			want: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeIntermediateCatch),
				couple(2, 20, model.EventTypeIntermediateCatch),
			},
		},
		"same message never matched twice": {
			in: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeIntermediateCatch),
				couple(1, 20, model.EventTypeIntermediateCatch),
			},
			want: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeIntermediateCatch),
			},
		},
		"non start waiting event matched at most once": {
			in: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeIntermediateCatch),
				couple(2, 10, model.EventTypeIntermediateCatch),
			},
			want: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeIntermediateCatch),
			},
		},
		"start event matched repeatedly": {
			in: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeStart),
				couple(2, 10, model.EventTypeStart),
				couple(3, 10, model.EventTypeStart),
			},
			want: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeStart),
				couple(2, 10, model.EventTypeStart),
				couple(3, 10, model.EventTypeStart),
			},
		},
		"order decides who wins": {
			in: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeBoundary),
				couple(2, 10, model.EventTypeBoundary),
				couple(2, 20, model.EventTypeBoundary),
			},
			want: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeBoundary),
				couple(2, 20, model.EventTypeBoundary),
			},
		},
		"start and non start mixed": {
			in: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeStart),
				couple(2, 20, model.EventTypeIntermediateCatch),
				couple(3, 10, model.EventTypeStart),
				couple(4, 20, model.EventTypeIntermediateCatch),
			},
			want: []model.MessageEventCouple{
				couple(1, 10, model.EventTypeStart),
				couple(2, 20, model.EventTypeIntermediateCatch),
				couple(3, 10, model.EventTypeStart),
			},
		},
	}
	for name, scenario := range scenarios {
		t.Run(name, func(t *testing.T) {
			got := ReduceCouples(scenario.in)
			assert.Equal(t, scenario.want, got)
		})
	}
}

func TestReduceCouplesUniqueness(t *testing.T) {
	in := []model.MessageEventCouple{
		couple(1, 10, model.EventTypeIntermediateCatch),
		couple(1, 20, model.EventTypeBoundary),
		couple(2, 10, model.EventTypeIntermediateCatch),
		couple(2, 20, model.EventTypeBoundary),
		couple(3, 30, model.EventTypeStart),
		couple(4, 30, model.EventTypeStart),
	}
	out := ReduceCouples(in)
	seenMessages := map[int64]bool{}
	seenWaiting := map[int64]bool{}
	for _, c := range out {
		require.False(t, seenMessages[c.MessageInstanceId], "message %d matched twice", c.MessageInstanceId)
		seenMessages[c.MessageInstanceId] = true
		if c.WaitingEventType != model.EventTypeStart {
			require.False(t, seenWaiting[c.WaitingMessageId], "waiting event %d matched twice", c.WaitingMessageId)
			seenWaiting[c.WaitingMessageId] = true
		}
	}
}

func TestReduceCouplesIsPure(t *testing.T) {
	in := []model.MessageEventCouple{
		couple(1, 10, model.EventTypeIntermediateCatch),
		couple(2, 10, model.EventTypeIntermediateCatch),
		couple(3, 30, model.EventTypeStart),
	}
	snapshot := make([]model.MessageEventCouple, len(in))
	copy(snapshot, in)

	first := ReduceCouples(in)
	second := ReduceCouples(in)

	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, in, "input must not be mutated")
}
