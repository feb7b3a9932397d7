package handshake

// TicketStatus is the engine's verdict on an inbound session ticket.
type TicketStatus uint8

const (
	TicketEmpty TicketStatus = iota
	TicketNoDecrypt
	TicketSuccess
	TicketSuccessRenew
)

var ticketStatusNames = [...]string{"empty", "no-decrypt", "success", "success-renew"}

func (s TicketStatus) String() string {
	if int(s) < len(ticketStatusNames) {
		return ticketStatusNames[s]
	}
	return "unknown"
}

// TicketDisposition is the session's decision about an inbound ticket.
type TicketDisposition uint8

const (
	TicketIgnore TicketDisposition = iota
	TicketIgnoreRenew
	TicketUse
	TicketUseRenew
)

var ticketDispositionNames = [...]string{"ignore", "ignore-renew", "use", "use-renew"}

func (d TicketDisposition) String() string {
	if int(d) < len(ticketDispositionNames) {
		return ticketDispositionNames[d]
	}
	return "unknown"
}

// TicketDecision resolves an inbound ticket. Tickets the engine could
// not use (empty, undecryptable) are ignored with a renewal hint and
// the sink is not consulted; decrypted tickets go to the sink, whose
// disposition is taken verbatim when it is one of the enumerated
// values and demoted to TicketIgnore otherwise. Statuses outside the
// enumeration are ignored outright.
func (b *Bridge) TicketDecision(status TicketStatus, appData []byte) TicketDisposition {
	switch status {
	case TicketEmpty, TicketNoDecrypt:
		return TicketIgnoreRenew
	case TicketSuccess:
		return normalizeDisposition(b.sink.TicketReceived(appData, false))
	case TicketSuccessRenew:
		return normalizeDisposition(b.sink.TicketReceived(appData, true))
	default:
		return TicketIgnore
	}
}

func normalizeDisposition(d TicketDisposition) TicketDisposition {
	switch d {
	case TicketIgnore, TicketIgnoreRenew, TicketUse, TicketUseRenew:
		return d
	default:
		return TicketIgnore
	}
}

// AppData carries application bytes attached to a session ticket.
// Set succeeds exactly once.
type AppData struct {
	set  bool
	data []byte
}

// Set records the ticket application data on first call and reports
// whether it was stored.
func (a *AppData) Set(b []byte) bool {
	if a.set {
		return false
	}
	a.set = true
	a.data = append([]byte(nil), b...)
	return true
}

// Get returns the stored application data.
func (a *AppData) Get() ([]byte, bool) {
	if !a.set {
		return nil, false
	}
	return a.data, true
}
