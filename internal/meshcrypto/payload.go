package meshcrypto

import "encoding/json"

// marshalPayload serializes a payload map to the exact bytes encrypted inside
// an envelope. An empty/nil map marshals to "{}" rather than "null" so the
// round trip never produces a nil map assertion failure downstream.
func marshalPayload(payload map[string]interface{}) ([]byte, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return json.Marshal(payload)
}

func unmarshalPayload(data []byte) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
