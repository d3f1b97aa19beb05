package protocol

// Message is the single envelope used on the peer channel. Which fields are
// meaningful depends on Type.
type Message struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`

	// WELCOME
	Room   string `json:"room,omitempty"`
	PeerID string `json:"peer_id,omitempty"`
	Handle *int   `json:"handle,omitempty"`

	// SYNC / SYNC_ACK
	Nonce uint32 `json:"nonce,omitempty"`

	// INPUT: Inputs[i] is the input for StartFrame+i. AckFrame is the last
	// contiguous frame of the receiver's inputs the sender has confirmed.
	StartFrame int32 `json:"start_frame,omitempty"`
	Inputs     []int `json:"inputs,omitempty"`
	AckFrame   int32 `json:"ack_frame,omitempty"`

	// CHECKSUM
	Frame    int32  `json:"frame,omitempty"`
	Checksum string `json:"checksum,omitempty"`

	// ERROR
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Sync starts the handshake between two peers.
func Sync(nonce uint32) Message {
	return Message{Type: TypeSync, ProtocolVersion: Version, Nonce: nonce}
}

func SyncAck(nonce uint32) Message {
	return Message{Type: TypeSyncAck, ProtocolVersion: Version, Nonce: nonce}
}

func Input(start int32, inputs []int, ack int32) Message {
	return Message{Type: TypeInput, ProtocolVersion: Version, StartFrame: start, Inputs: inputs, AckFrame: ack}
}

func ChecksumReport(frame int32, sum string) Message {
	return Message{Type: TypeChecksum, ProtocolVersion: Version, Frame: frame, Checksum: sum}
}

func Bye() Message {
	return Message{Type: TypeBye, ProtocolVersion: Version}
}

func Welcome(room, peerID string, handle int) Message {
	return Message{Type: TypeWelcome, ProtocolVersion: Version, Room: room, PeerID: peerID, Handle: &handle}
}

func PeerJoined(peerID string) Message {
	return Message{Type: TypePeerJoined, ProtocolVersion: Version, PeerID: peerID}
}

func PeerLeft(peerID string) Message {
	return Message{Type: TypePeerLeft, ProtocolVersion: Version, PeerID: peerID}
}

func Error(code, msg string) Message {
	return Message{Type: TypeError, ProtocolVersion: Version, Code: code, Message: msg}
}
