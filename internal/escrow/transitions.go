package escrow

// Edge names a lifecycle transition.
type Edge string

const (
	EdgeAuthorized     Edge = "processor_authorized"
	EdgeFailed         Edge = "processor_failed"
	EdgeConfirm        Edge = "payer_confirmed"
	EdgeAutoRelease    Edge = "auto_release"
	EdgeDispute        Edge = "dispute_opened"
	EdgeResolveRelease Edge = "resolved_release"
	EdgeResolveRefund  Edge = "resolved_refund"
)

type edgeRule struct {
	from         []Status
	to           Status
	conversation ConversationStatus
	movesFunds   bool
}

// The only legal edges. authorized is never stored: the processor's
// authorization moves pending straight to held in one conditional update.
var edgeRules = map[Edge]edgeRule{
	EdgeAuthorized:     {from: []Status{StatusPending, StatusAuthorized}, to: StatusHeld, conversation: ConversationPaidInEscrow},
	EdgeFailed:         {from: []Status{StatusPending, StatusAuthorized}, to: StatusFailed},
	EdgeConfirm:        {from: []Status{StatusHeld}, to: StatusReleased, conversation: ConversationCompleted, movesFunds: true},
	EdgeAutoRelease:    {from: []Status{StatusHeld}, to: StatusReleased, conversation: ConversationCompleted, movesFunds: true},
	EdgeDispute:        {from: []Status{StatusHeld}, to: StatusDisputed, conversation: ConversationDisputed},
	EdgeResolveRelease: {from: []Status{StatusDisputed}, to: StatusReleased, conversation: ConversationCompleted, movesFunds: true},
	EdgeResolveRefund:  {from: []Status{StatusDisputed}, to: StatusRefunded, movesFunds: true},
}

// Valid reports whether e is a known edge.
func (e Edge) Valid() bool {
	_, ok := edgeRules[e]
	return ok
}

// Target returns the status e leads to.
func (e Edge) Target() Status {
	return edgeRules[e].to
}

// From returns the statuses e may leave from.
func (e Edge) From() []Status {
	return append([]Status(nil), edgeRules[e].from...)
}

// MovesFunds reports whether e calls the processor and needs a claim.
func (e Edge) MovesFunds() bool {
	return edgeRules[e].movesFunds
}

// ConversationStatus returns the conversation status e sets, or "".
func (e Edge) ConversationStatus() ConversationStatus {
	return edgeRules[e].conversation
}

// CanTransition reports whether edge e may leave status from.
func CanTransition(from Status, e Edge) bool {
	rule, ok := edgeRules[e]
	if !ok {
		return false
	}
	for _, s := range rule.from {
		if s == from {
			return true
		}
	}
	return false
}

// ledgerTypeFor maps a fund-moving target status to its ledger entry type.
func ledgerTypeFor(to Status) LedgerType {
	if to == StatusRefunded {
		return LedgerRefund
	}
	return LedgerRelease
}
