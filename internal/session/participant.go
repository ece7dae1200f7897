package session

// Participant is a membership record in the real-time session: the identity
// registered with the session provider plus the signed token a client (or
// the SIP trunk, via the UUI header) presents to join.
type Participant struct {
	ID    string
	Token string
}
