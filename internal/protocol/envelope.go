package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Request is one outbound message plus the metadata the pending table keeps for it.
type Request struct {
	ID    string
	Kind  Kind
	Topic string
}

type subscribeEnvelope struct {
	Class       string `json:"class"`
	RequestID   string `json:"requestID"`
	ModelID     string `json:"modelID"`
	ObjectQuery string `json:"objectQuery"`
}

type keepAliveEnvelope struct {
	Class     string `json:"class"`
	RequestID string `json:"requestID"`
}

// Encode renders the send envelope for r.
func (r Request) Encode() ([]byte, error) {
	if strings.TrimSpace(r.ID) == "" {
		return nil, ErrRequestIDRequired
	}
	switch r.Kind {
	case KindSubscribe:
		return json.Marshal(subscribeEnvelope{
			Class:       ClassSubscribeRequest,
			RequestID:   r.ID,
			ModelID:     EnvironmentModelID,
			ObjectQuery: r.Topic + "[*]",
		})
	case KindQuery:
		return json.Marshal(subscribeEnvelope{
			Class:       ClassQueryRequest,
			RequestID:   r.ID,
			ModelID:     EnvironmentModelID,
			ObjectQuery: r.Topic,
		})
	case KindKeepAliveResponse:
		return json.Marshal(keepAliveEnvelope{
			Class:     ClassKeepAliveResponse,
			RequestID: r.ID,
		})
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, r.Kind)
	}
}

// Response is a decoded inbound envelope.
type Response struct {
	RequestID     string            `json:"requestID"`
	Class         string            `json:"class"`
	InitialValues []json.RawMessage `json:"initialValues,omitempty"`
}

// DecodeResponse parses one inbound text frame.
func DecodeResponse(data []byte) (Response, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Response{}, fmt.Errorf("%w: not a json object", ErrMalformedMessage)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if strings.TrimSpace(resp.Class) == "" {
		return Response{}, fmt.Errorf("%w: missing class", ErrMalformedMessage)
	}
	return resp, nil
}

// PlaceValue is one initialValues entry of the places topic.
type PlaceValue struct {
	ID        string `json:"id"`
	PlaceName string `json:"placeName"`
}

// DeviceValue is one initialValues entry of the devices topic.
type DeviceValue struct {
	ID              string `json:"id"`
	FriendlyName    string `json:"friendlyName"`
	PlaceIdentifier string `json:"placeIdentifier"`
}

func DecodePlace(raw json.RawMessage) (PlaceValue, error) {
	var v PlaceValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return PlaceValue{}, fmt.Errorf("%w: place: %v", ErrMalformedMessage, err)
	}
	if strings.TrimSpace(v.ID) == "" {
		return PlaceValue{}, fmt.Errorf("%w: place missing id", ErrMalformedMessage)
	}
	return v, nil
}

func DecodeDevice(raw json.RawMessage) (DeviceValue, error) {
	var v DeviceValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return DeviceValue{}, fmt.Errorf("%w: device: %v", ErrMalformedMessage, err)
	}
	if strings.TrimSpace(v.ID) == "" {
		return DeviceValue{}, fmt.Errorf("%w: device missing id", ErrMalformedMessage)
	}
	return v, nil
}
