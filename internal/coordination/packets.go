package coordination

import (
	"fmt"
	"time"

	"autognosis/internal/healing"
	"autognosis/internal/knowledge"
)

// Bounds on the variable-length string fields.
const (
	MaxAtomName    = 255
	MaxDescription = 255
	MaxInfo        = 127
	MaxAddress     = 255
)

// KnowledgePacket carries one atom between peers.
type KnowledgePacket struct {
	Name       string
	Kind       knowledge.Kind
	Truth      float64
	Confidence float64
	Importance float64
	Timestamp  time.Time
}

// PacketFromAtom builds a packet from an atom snapshot.
func PacketFromAtom(a knowledge.Atom) KnowledgePacket {
	return KnowledgePacket{
		Name: a.Name, Kind: a.Kind, Truth: a.Truth, Confidence: a.Confidence,
		Importance: a.Importance, Timestamp: a.LastUpdated,
	}
}

// MarshalBinary encodes the packet.
func (p KnowledgePacket) MarshalBinary() ([]byte, error) {
	if p.Name == "" || len(p.Name) > MaxAtomName {
		return nil, fmt.Errorf("%w: atom name length %d", ErrMalformed, len(p.Name))
	}
	w := writer{}
	w.str(p.Name)
	w.u8(uint8(p.Kind))
	w.f32(p.Truth)
	w.f32(p.Confidence)
	w.f32(p.Importance)
	w.u64(unixNano(p.Timestamp))
	return w.b, nil
}

// UnmarshalBinary decodes a packet; unknown kinds and empty names are malformed.
func (p *KnowledgePacket) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	out := KnowledgePacket{
		Name:       r.str(),
		Kind:       knowledge.Kind(r.u8()),
		Truth:      r.f32(),
		Confidence: r.f32(),
		Importance: r.f32(),
		Timestamp:  fromUnixNano(r.u64()),
	}
	if err := r.done(); err != nil {
		return err
	}
	if out.Name == "" || !out.Kind.Valid() {
		return ErrMalformed
	}
	*p = out
	return nil
}

// HealingRequest asks peers for advice on a problem the node could not
// resolve conclusively.
type HealingRequest struct {
	ProblemID       uint32
	Description     string
	Severity        float64
	RequestingNode  uint32
	RequestTime     time.Time
	SuggestedAction healing.Action
}

// MarshalBinary encodes the request. Descriptions longer than
// MaxDescription are truncated.
func (h HealingRequest) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.u32(h.ProblemID)
	w.str(truncate(h.Description, MaxDescription))
	w.f32(h.Severity)
	w.u32(h.RequestingNode)
	w.u64(unixNano(h.RequestTime))
	w.u8(uint8(h.SuggestedAction))
	return w.b, nil
}

// UnmarshalBinary decodes a request.
func (h *HealingRequest) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	out := HealingRequest{
		ProblemID:       r.u32(),
		Description:     r.str(),
		Severity:        r.f32(),
		RequestingNode:  r.u32(),
		RequestTime:     fromUnixNano(r.u64()),
		SuggestedAction: healing.Action(r.u8()),
	}
	if err := r.done(); err != nil {
		return err
	}
	if !out.SuggestedAction.Valid() {
		return ErrMalformed
	}
	*h = out
	return nil
}

// HealingResponse is one peer's independent advice for a request.
type HealingResponse struct {
	ProblemID         uint32
	RespondingNode    uint32
	RecommendedAction healing.Action
	Confidence        float64
	Info              string
}

// MarshalBinary encodes the response. Info is truncated to MaxInfo bytes.
func (h HealingResponse) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.u32(h.ProblemID)
	w.u32(h.RespondingNode)
	w.u8(uint8(h.RecommendedAction))
	w.f32(h.Confidence)
	w.str(truncate(h.Info, MaxInfo))
	return w.b, nil
}

// UnmarshalBinary decodes a response.
func (h *HealingResponse) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	out := HealingResponse{
		ProblemID:         r.u32(),
		RespondingNode:    r.u32(),
		RecommendedAction: healing.Action(r.u8()),
		Confidence:        r.f32(),
		Info:              r.str(),
	}
	if err := r.done(); err != nil {
		return err
	}
	if !out.RecommendedAction.Valid() || len(out.Info) > MaxInfo {
		return ErrMalformed
	}
	*h = out
	return nil
}

// Heartbeat announces the sender's reachable address.
type Heartbeat struct {
	Address string
}

// MarshalBinary encodes the heartbeat.
func (h Heartbeat) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.str(truncate(h.Address, MaxAddress))
	return w.b, nil
}

// UnmarshalBinary decodes a heartbeat. An empty payload is a heartbeat
// without an address.
func (h *Heartbeat) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		*h = Heartbeat{}
		return nil
	}
	r := reader{b: b}
	addr := r.str()
	if err := r.done(); err != nil {
		return err
	}
	h.Address = addr
	return nil
}

// TopologyUpdate reports the sender's own health.
type TopologyUpdate struct {
	Health float64
}

// MarshalBinary encodes the update.
func (t TopologyUpdate) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.f32(t.Health)
	return w.b, nil
}

// UnmarshalBinary decodes the update.
func (t *TopologyUpdate) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	h := r.f32()
	if err := r.done(); err != nil {
		return err
	}
	t.Health = h
	return nil
}

// Emergency carries a free-form reason.
type Emergency struct {
	Reason string
}

// MarshalBinary encodes the emergency signal.
func (e Emergency) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.str(truncate(e.Reason, MaxDescription))
	return w.b, nil
}

// UnmarshalBinary decodes the emergency signal.
func (e *Emergency) UnmarshalBinary(b []byte) error {
	r := reader{b: b}
	reason := r.str()
	if err := r.done(); err != nil {
		return err
	}
	e.Reason = reason
	return nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
