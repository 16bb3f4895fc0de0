package proto

// Version is the protocol version spoken by this package.
const Version uint32 = 1

// Envelope carries one signal between group members.
type Envelope struct {
	Version uint32 `json:"version"`
	Source  int32  `json:"source"`
	Payload []byte `json:"payload,omitempty"`
}

// Ack is the reply to a delivered Envelope.
type Ack struct {
	Version uint32 `json:"version"`
}

type versioned interface {
	protoVersion() uint32
}

func (e *Envelope) protoVersion() uint32 { return e.Version }
func (a *Ack) protoVersion() uint32      { return a.Version }
