// Package agent consumes directory automation requests from a queue and
// applies them as computer-object writes against the directory.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies one automation request variant.
type Kind int

const (
	// KindUnknown is any namespace the agent does not recognize. Unknown
	// requests are deleted so a bad producer cannot wedge the queue.
	KindUnknown Kind = iota
	KindPresetComputer
	KindUpdateComputerDescription
	KindDeleteComputer
)

const (
	namespacePresetComputer    = "ADAutomation.PresetComputer"
	namespaceUpdateDescription = "ADAutomation.UpdateComputerDescription"
	namespaceDeleteComputer    = "ADAutomation.DeleteComputer"
)

func (k Kind) String() string {
	switch k {
	case KindPresetComputer:
		return namespacePresetComputer
	case KindUpdateComputerDescription:
		return namespaceUpdateDescription
	case KindDeleteComputer:
		return namespaceDeleteComputer
	default:
		return "Unknown"
	}
}

// Request is one parsed automation message.
type Request struct {
	Kind Kind

	Hostname    string
	InstanceID  string
	Description string
}

// RequestError is a malformed message body. It is terminal; retrying the
// same bytes cannot succeed.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("invalid automation request: %s", e.Reason)
}

type messageEnvelope struct {
	Header struct {
		Namespace string `json:"namespace"`
	} `json:"header"`
	Payload struct {
		Hostname    string `json:"hostname"`
		InstanceID  string `json:"instance_id"`
		Description string `json:"description"`
	} `json:"payload"`
}

// ParseRequest decodes one queue message body into a Request. An
// unrecognized namespace yields KindUnknown with a nil error so the caller
// can drop the message without treating it as a failure.
func ParseRequest(body string) (Request, error) {
	var envelope messageEnvelope
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return Request{}, &RequestError{Reason: err.Error()}
	}

	request := Request{
		Hostname:    strings.TrimSpace(envelope.Payload.Hostname),
		InstanceID:  strings.TrimSpace(envelope.Payload.InstanceID),
		Description: envelope.Payload.Description,
	}

	switch envelope.Header.Namespace {
	case namespacePresetComputer:
		request.Kind = KindPresetComputer
	case namespaceUpdateDescription:
		request.Kind = KindUpdateComputerDescription
	case namespaceDeleteComputer:
		request.Kind = KindDeleteComputer
	default:
		return Request{Kind: KindUnknown}, nil
	}

	if request.Hostname == "" {
		return Request{}, &RequestError{Reason: "missing hostname"}
	}
	return request, nil
}
