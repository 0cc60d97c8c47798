package tele

import (
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/juju/errors"
)

// DisconnectReason mirrors the CONNACK refusal codes plus the generic
// link-loss cases. None of them is retryable by this layer.
type DisconnectReason string

const (
	ReasonBadProtocol       DisconnectReason = "bad protocol"
	ReasonBadClientId       DisconnectReason = "bad client id"
	ReasonBrokerUnavailable DisconnectReason = "broker unavailable"
	ReasonBadCredentials    DisconnectReason = "bad credentials"
	ReasonUnauthorized      DisconnectReason = "unauthorized"
	ReasonTimeout           DisconnectReason = "timeout"
	ReasonConnectionLost    DisconnectReason = "connection lost"
)

func classifyDisconnect(err error) DisconnectReason {
	switch errors.Cause(err) {
	case packets.ErrorRefusedBadProtocolVersion, packets.ErrorProtocolViolation:
		return ReasonBadProtocol
	case packets.ErrorRefusedIDRejected:
		return ReasonBadClientId
	case packets.ErrorRefusedServerUnavailable:
		return ReasonBrokerUnavailable
	case packets.ErrorRefusedBadUsernameOrPassword:
		return ReasonBadCredentials
	case packets.ErrorRefusedNotAuthorised:
		return ReasonUnauthorized
	}
	if errors.IsTimeout(err) {
		return ReasonTimeout
	}
	return ReasonConnectionLost
}
