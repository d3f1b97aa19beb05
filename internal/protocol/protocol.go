package protocol

import (
	"encoding/json"
	"fmt"
)

const Version = "1.0"

// Relay -> peer.
const (
	TypeWelcome    = "WELCOME"
	TypePeerJoined = "PEER_JOINED"
	TypePeerLeft   = "PEER_LEFT"
	TypeError      = "ERROR"
)

// Peer -> peer (forwarded verbatim by the relay).
const (
	TypeSync     = "SYNC"
	TypeSyncAck  = "SYNC_ACK"
	TypeInput    = "INPUT"
	TypeChecksum = "CHECKSUM"
	TypeBye      = "BYE"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

func Encode(m Message) ([]byte, error) {
	if m.ProtocolVersion == "" {
		m.ProtocolVersion = Version
	}
	return json.Marshal(m)
}

func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if m.Type == "" {
		return m, fmt.Errorf("%s: missing type", ErrProtoBadRequest)
	}
	if m.ProtocolVersion != "" && m.ProtocolVersion != Version {
		return m, fmt.Errorf("%s: protocol_version %q", ErrProtoBadRequest, m.ProtocolVersion)
	}
	return m, nil
}
