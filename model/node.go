package model

// Node is the bridge's view of one emulated radio node.
type Node struct {
	// EmulatorID is the node id in the emulator's numbering space.
	EmulatorID uint16
	// SimulatorID is the robot id the simulator reported for this node.
	SimulatorID uint32

	Position Position

	// Buffer is the number of bytes this node still needs to transmit.
	Buffer float64
	// Sent is the number of bytes this node sent this iteration.
	Sent float64
}

// IncBuffer queues size more bytes for transmission.
func (n *Node) IncBuffer(size float64) {
	n.Buffer += size
}

// DecBuffer marks size bytes as transmitted.
func (n *Node) DecBuffer(size float64) {
	n.Buffer -= size
	n.Sent += size
}

// ResetSent clears the per-iteration sent counter.
func (n *Node) ResetSent() {
	n.Sent = 0
}
