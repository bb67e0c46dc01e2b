package events

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Websocket subprotocols understood by the event stream.
const (
	SubprotocolJSON    = "earshot.v1.json"
	SubprotocolMsgpack = "earshot.v1.msgpack"
)

// Codec serialises events for the wire.
type Codec interface {
	// Subprotocol returns the websocket subprotocol the codec answers to.
	Subprotocol() string

	// Binary reports whether frames should be sent as binary messages.
	Binary() bool

	Marshal(e Event) ([]byte, error)
}

// JSONCodec encodes events as JSON text frames. It is the default.
type JSONCodec struct{}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }
func (JSONCodec) Binary() bool        { return false }

func (JSONCodec) Marshal(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("events: json marshal %s: %w", e.Type, err)
	}
	return b, nil
}

// MsgpackCodec encodes events as MessagePack binary frames. Struct fields use
// the same names as the JSON encoding.
type MsgpackCodec struct{}

func (MsgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (MsgpackCodec) Binary() bool        { return true }

func (MsgpackCodec) Marshal(e Event) ([]byte, error) {
	b, err := msgpack.Marshal(&e)
	if err != nil {
		return nil, fmt.Errorf("events: msgpack marshal %s: %w", e.Type, err)
	}
	return b, nil
}

// Subprotocols lists the supported subprotocols in preference order.
func Subprotocols() []string {
	return []string{SubprotocolJSON, SubprotocolMsgpack}
}

// CodecFor returns the codec for a negotiated subprotocol. An empty or unknown
// subprotocol selects JSON.
func CodecFor(subprotocol string) Codec {
	if subprotocol == SubprotocolMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}
