package pipeline

import "strconv"

// Slot is a fixed position in the pipeline. Stages run in slot order on the
// way in and in reverse on the way out.
type Slot int

const (
	SlotCORS Slot = iota
	SlotBodyParse
	SlotCompress
	SlotPerf
	SlotRequestLog
	SlotSecurityHeaders
	SlotSanitize
	SlotSetCSRF
	SlotGlobalRateLimit
	SlotRouteRateLimit
	SlotAPIKey
	SlotCSRFVerify
	SlotAuth
	SlotCacheRead

	numSlots
)

var slotNames = [numSlots]string{
	SlotCORS:            "cors",
	SlotBodyParse:       "body-parse",
	SlotCompress:        "compress",
	SlotPerf:            "perf",
	SlotRequestLog:      "request-log",
	SlotSecurityHeaders: "security-headers",
	SlotSanitize:        "sanitize",
	SlotSetCSRF:         "set-csrf",
	SlotGlobalRateLimit: "rate-limit-global",
	SlotRouteRateLimit:  "rate-limit-route",
	SlotAPIKey:          "api-key",
	SlotCSRFVerify:      "csrf-verify",
	SlotAuth:            "auth",
	SlotCacheRead:       "cache-read",
}

func (s Slot) String() string {
	if s >= 0 && s < numSlots {
		return slotNames[s]
	}
	return "slot(" + strconv.Itoa(int(s)) + ")"
}

// Slots lists every slot in pipeline order.
func Slots() []Slot {
	out := make([]Slot, numSlots)
	for i := range out {
		out[i] = Slot(i)
	}
	return out
}

// requires maps a slot to the slot that must already be registered.
var requires = map[Slot]Slot{
	SlotBodyParse:      SlotCORS,
	SlotSanitize:       SlotBodyParse,
	SlotCSRFVerify:     SlotSetCSRF,
	SlotRouteRateLimit: SlotGlobalRateLimit,
	SlotCacheRead:      SlotAuth,
}

// Requires returns the predecessor slot must have, if any.
func Requires(s Slot) (Slot, bool) {
	p, ok := requires[s]
	return p, ok
}
