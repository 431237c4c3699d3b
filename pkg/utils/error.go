package utils

import "fmt"

var (
	ErrBadRequest         = fmt.Errorf("Bad request")
	ErrNotFound           = fmt.Errorf("Not found")
	ErrParse              = fmt.Errorf("Parse error")
	ErrPeerMissing        = fmt.Errorf("Peer not reachable")
	ErrPoolClosed         = fmt.Errorf("Connection pool is closed")
	ErrProtocolViolation  = fmt.Errorf("Protocol violation")
	ErrSenderClosed       = fmt.Errorf("Sender is closed")
	ErrTransportTruncated = fmt.Errorf("Stream truncated mid-message")
	ErrWorkerClosed       = fmt.Errorf("Worker is closed")
)

type DetailedError interface {
	error
	Details() string
}
