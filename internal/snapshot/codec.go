// Package snapshot persists per-task engine context to disk atomically and
// restores the newest copy that passes validation.
package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes snapshot envelopes. Both codecs carry the same field set;
// files keep the .json suffix regardless because the envelope self-describes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                        { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)       { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error  { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return "msgpack" }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

var codecs = []Codec{jsonCodec{}, msgpackCodec{}}

// CodecForName resolves a config codec name; empty selects JSON.
func CodecForName(name string) (Codec, error) {
	if name == "" {
		return jsonCodec{}, nil
	}
	for _, c := range codecs {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("unknown snapshot codec %q", name)
}
