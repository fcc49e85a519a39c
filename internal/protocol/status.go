package protocol

import "fmt"

// Status is the global environment status reported by SAMPLE, and the result
// code of HANDSHAKE and ACT. Negative values are handshake failures.
type Status int

const (
	StatusSuccess  Status = 1
	StatusDone     Status = 2
	StatusWait     Status = 3
	StatusShutdown Status = 4

	StatusObservationSizeError Status = -1
	StatusActionSizeError      Status = -2
	StatusIDAllocationError    Status = -3
	StatusAgentAllocationError Status = -4
)

var statusNames = map[Status]string{
	StatusSuccess:              "SUCCESS",
	StatusDone:                 "DONE",
	StatusWait:                 "WAIT",
	StatusShutdown:             "SHUTDOWN",
	StatusObservationSizeError: "OBSERVATION_SIZE_ERROR",
	StatusActionSizeError:      "ACTION_SIZE_ERROR",
	StatusIDAllocationError:    "ID_ALLOCATION_ERROR",
	StatusAgentAllocationError: "AGENT_ALLOCATION_ERROR",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// Valid reports whether s is one of the defined codes.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// IsHandshakeError reports whether s is one of the negative handshake failure codes.
func (s Status) IsHandshakeError() bool {
	return s < 0 && s.Valid()
}

// Describe returns an operator-facing explanation of a handshake failure.
func (s Status) Describe() string {
	switch s {
	case StatusSuccess:
		return "handshake accepted"
	case StatusObservationSizeError:
		return "observation size does not match the environment"
	case StatusActionSizeError:
		return "action size does not match the environment"
	case StatusIDAllocationError:
		return "no client id available (roster full)"
	case StatusAgentAllocationError:
		return "no agent slot available for the requested hint"
	default:
		return s.String()
	}
}
