package pairing

// Reasons a pairing is dissolved.
const (
	ReasonStale      = "stale"          // distance or heading drifted past the thresholds
	ReasonPeerGone   = "peer_gone"      // cached peer no longer connected
	ReasonDisconnect = "disconnect"     // one side disconnected
	ReasonReassigned = "device_changed" // the connection started reporting another device id
	ReasonSweep      = "sweep"          // dropped by the periodic sweep
)

// Observer receives pairing lifecycle events. Callbacks run after the engine
// lock is released, on the goroutine that caused the change.
type Observer interface {
	PairingFormed(a, b string, distance float64)
	PairingDissolved(a, b string, reason string)
}

type event struct {
	formed   bool
	a, b     string
	distance float64
	reason   string
}

func (e *Engine) emit(events []event) {
	if e.observer == nil {
		return
	}
	for _, ev := range events {
		if ev.formed {
			e.observer.PairingFormed(ev.a, ev.b, ev.distance)
		} else {
			e.observer.PairingDissolved(ev.a, ev.b, ev.reason)
		}
	}
}
