package rpc

import "encoding/json"

// jsonCodec serializes Connect messages with encoding/json. The
// library's own json codec insists on protobuf messages; the search
// contract is plain structs, so this replaces it by name.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

func (jsonCodec) Unmarshal(data []byte, message any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, message)
}
