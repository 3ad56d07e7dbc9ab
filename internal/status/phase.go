package status

import (
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/model"
)

// phaseTransitions is the lifecycle of an outbound message:
// local -> confirmed | pending, pending -> confirmed | dropped.
var phaseTransitions = map[model.Phase][]model.Phase{
	model.PhaseLocal:   {model.PhaseConfirmed, model.PhasePending},
	model.PhasePending: {model.PhaseConfirmed, model.PhaseDropped},
}

// PhaseChange is the payload of "message.phase_changed" events.
type PhaseChange struct {
	MessageID string
	ChatID    string
	From      model.Phase
	To        model.Phase
}

// CanAdvance reports whether a message may move from one phase to another.
func CanAdvance(from, to model.Phase) bool {
	return slices.Contains(phaseTransitions[from], to)
}

// Advance moves msg to the given phase and announces it on b (which may be nil).
func Advance(b *bus.Bus, msg *model.Message, to model.Phase) error {
	if !CanAdvance(msg.Phase, to) {
		return fmt.Errorf("invalid phase transition from %s to %s", msg.Phase, to)
	}
	from := msg.Phase
	msg.Phase = to
	if b != nil {
		b.Publish(bus.Event{
			Kind:      "message.phase_changed",
			Timestamp: time.Now(),
			Payload: PhaseChange{
				MessageID: msg.ID,
				ChatID:    msg.ChatID,
				From:      from,
				To:        to,
			},
		})
	}
	return nil
}

var deliveryRank = map[model.DeliveryStatus]int{
	model.StatusSent:      1,
	model.StatusDelivered: 2,
	model.StatusSeen:      3,
}

// ValidDelivery reports whether s is a known delivery status.
func ValidDelivery(s model.DeliveryStatus) bool {
	_, ok := deliveryRank[s]
	return ok
}

// DeliveryAdvances reports whether moving from current to next is forward
// progress. An empty current status accepts any valid next status.
func DeliveryAdvances(current, next model.DeliveryStatus) bool {
	n, ok := deliveryRank[next]
	if !ok {
		return false
	}
	return n > deliveryRank[current]
}
