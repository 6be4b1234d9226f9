package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a committed ledger change.
type EventType string

const (
	EventOrderPlaced       EventType = "order_placed"
	EventOrderFilled       EventType = "order_filled"
	EventOrderClaimed      EventType = "order_claimed"
	EventOrderCancelled    EventType = "order_cancelled"
	EventRoyaltyCredited   EventType = "royalty_credited"
	EventRoyaltiesClaimed  EventType = "royalties_claimed"
	EventFeesDeposited     EventType = "fees_deposited"
	EventStaked            EventType = "staked"
	EventWithdrawn         EventType = "withdrawn"
	EventRewardsClaimed    EventType = "rewards_claimed"
	EventRoyaltyRegistered EventType = "royalty_registered"
	EventManagerRegistered EventType = "manager_registered"
	EventPaymentTokenAdded EventType = "payment_token_added"
	EventPlatformFeeSet    EventType = "platform_fee_set"
)

// Event is one entry of the append-only domain event stream. Events are
// produced inside a ledger transaction and only become visible once it
// commits. Nothing in the core reads them back.
type Event struct {
	ID           string          `json:"id"`
	Seq          uint64          `json:"seq"`
	Type         EventType       `json:"type"`
	OrderID      uint64          `json:"order_id,omitempty"`
	Account      *common.Address `json:"account,omitempty"`
	Counterparty *common.Address `json:"counterparty,omitempty"`
	Token        *common.Address `json:"token,omitempty"`
	Item         *ItemID         `json:"item,omitempty"`
	Amount       *Amount         `json:"amount,omitempty"`
	At           time.Time       `json:"at"`
}
