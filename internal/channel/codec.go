package channel

import (
	"bytes"
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/orrn/jobfleet/internal/core"
)

// Codec serializes control messages for the wire.
type Codec interface {
	Encode(msg *core.ControlMessage) ([]byte, error)
	Decode(data []byte) (*core.ControlMessage, error)
	Name() string
}

const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to JSON.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

type JSONCodec struct{}

func (JSONCodec) Encode(msg *core.ControlMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Decode(data []byte) (*core.ControlMessage, error) {
	var msg core.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec reuses the json field names so both codecs agree on keys.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(msg *core.ControlMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte) (*core.ControlMessage, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var msg core.ControlMessage
	if err := dec.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
