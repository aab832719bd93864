package peer

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ChatChannelLabel is the pre-negotiated data channel carried on every peer
// connection.
const ChatChannelLabel = "chat"

const (
	ChatKindMessage = "message"
	ChatKindSystem  = "system"
)

// ChatMessage is the payload exchanged on the chat data channel. msgpack
// keeps frames compact, which matters on constrained SCTP streams.
type ChatMessage struct {
	Text      string `msgpack:"text"`
	Timestamp int64  `msgpack:"timestamp"`
	Kind      string `msgpack:"kind"`
}

func NewChatMessage(text string) ChatMessage {
	return ChatMessage{
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		Kind:      ChatKindMessage,
	}
}

func (m ChatMessage) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("peer: encode chat message: %w", err)
	}
	return data, nil
}

func DecodeChatMessage(data []byte) (ChatMessage, error) {
	var m ChatMessage
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("peer: decode chat message: %w", err)
	}
	if m.Kind == "" {
		m.Kind = ChatKindMessage
	}
	return m, nil
}
