package handlers

import "github.com/axmq/broker/session"

// HandlePingreq touches the session's liveness clock; sending the PINGRESP
// is left to the caller. It never fails; a PINGREQ carries no state to validate.
func HandlePingreq(sess *session.Session) {
	sess.Touch()
}
