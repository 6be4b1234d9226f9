package domain

import "github.com/ethereum/go-ethereum/common"

// EscrowBalance is the amount held for one order by one escrow.
type EscrowBalance struct {
	OrderID uint64 `json:"order_id"`
	Amount  Amount `json:"amount"`
}

// ClaimableBalance is a pull-based credit owed to Recipient in Token.
type ClaimableBalance struct {
	Recipient common.Address `json:"recipient"`
	Token     common.Address `json:"token"`
	Amount    Amount         `json:"amount"`
}

// RoyaltyRegistration is the locally registered receiver list of an item.
type RoyaltyRegistration struct {
	Item   ItemID         `json:"item"`
	Shares []RoyaltyShare `json:"shares"`
}

// ItemManager is the account allowed to register royalties for Item.
type ItemManager struct {
	Item    ItemID         `json:"item"`
	Manager common.Address `json:"manager"`
}

// FeePool is the accumulator state of one fee token.
type FeePool struct {
	Token         common.Address `json:"token"`
	TotalFees     Amount         `json:"total_fees"`
	AccPerShare   Amount         `json:"acc_per_share"`
	Undistributed Amount         `json:"undistributed"`
	// Held is what the fee custody account owes stakers for this token.
	Held Amount `json:"held"`
}

// StakerPosition is a staker's governance weight.
type StakerPosition struct {
	Staker common.Address `json:"staker"`
	Staked Amount         `json:"staked"`
}

// StakerReward is a staker's accumulator bookkeeping for one token.
type StakerReward struct {
	Staker     common.Address `json:"staker"`
	Token      common.Address `json:"token"`
	RewardDebt Amount         `json:"reward_debt"`
	Locked     Amount         `json:"locked"`
}

// LedgerParams holds scalar ledger settings.
type LedgerParams struct {
	NextOrderID     uint64 `json:"next_order_id"`
	PlatformFeeRate uint64 `json:"platform_fee_rate"`
	TotalStaked     Amount `json:"total_staked"`
	EventSeq        uint64 `json:"event_seq"`
}

// ObservedBalance is a collaborator balance touched by a ledger transaction,
// read back after the transaction applied.
type ObservedBalance struct {
	Owner  common.Address  `json:"owner"`
	Token  *common.Address `json:"token,omitempty"`
	Item   *ItemID         `json:"item,omitempty"`
	Amount Amount          `json:"amount"`
}

// LedgerState is the tabular ledger state. A full snapshot fills every
// table; a committed change set carries only the rows a transaction touched
// plus the events it produced.
type LedgerState struct {
	Params        LedgerParams          `json:"params"`
	PaymentTokens []common.Address      `json:"payment_tokens"`
	Orders        []Order               `json:"orders"`
	PaymentEscrow []EscrowBalance       `json:"payment_escrow"`
	AssetEscrow   []EscrowBalance       `json:"asset_escrow"`
	Claimables    []ClaimableBalance    `json:"claimables"`
	Royalties     []RoyaltyRegistration `json:"royalties"`
	Managers      []ItemManager         `json:"managers"`
	FeePools      []FeePool             `json:"fee_pools"`
	Stakers       []StakerPosition      `json:"stakers"`
	Rewards       []StakerReward        `json:"rewards"`
	Events        []Event               `json:"events,omitempty"`
	Balances      []ObservedBalance     `json:"balances,omitempty"`
}
