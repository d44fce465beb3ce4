package model

// EventType classifies the accounting direction of a history event.
type EventType string

const (
	EventTypeSpend         EventType = "spend"
	EventTypeReceive       EventType = "receive"
	EventTypeDeposit       EventType = "deposit"
	EventTypeWithdrawal    EventType = "withdrawal"
	EventTypeTrade         EventType = "trade"
	EventTypeTransfer      EventType = "transfer"
	EventTypeRenew         EventType = "renew"
	EventTypeInformational EventType = "informational"
	EventTypeDeploy        EventType = "deploy"
	EventTypeFail          EventType = "fail"
)

// EventSubtype refines the event type with protocol-level semantics.
type EventSubtype string

const (
	EventSubtypeNone              EventSubtype = "none"
	EventSubtypeFee               EventSubtype = "fee"
	EventSubtypeApprove           EventSubtype = "approve"
	EventSubtypeDepositAsset      EventSubtype = "deposit asset"
	EventSubtypeDepositForWrapped EventSubtype = "deposit for wrapped"
	EventSubtypeReceiveWrapped    EventSubtype = "receive wrapped"
	EventSubtypeReturnWrapped     EventSubtype = "return wrapped"
	EventSubtypeRedeemWrapped     EventSubtype = "redeem wrapped"
	EventSubtypeGenerateDebt      EventSubtype = "generate debt"
	EventSubtypePaybackDebt       EventSubtype = "payback debt"
	EventSubtypeRemoveAsset       EventSubtype = "remove asset"
	EventSubtypeBridge            EventSubtype = "bridge"
	EventSubtypeReward            EventSubtype = "reward"
	EventSubtypeAirdrop           EventSubtype = "airdrop"
	EventSubtypeConsolidate       EventSubtype = "consolidate"
	EventSubtypeUpdate            EventSubtype = "update"
	EventSubtypeNFT               EventSubtype = "nft"
	EventSubtypeSpend             EventSubtype = "spend"
	EventSubtypeReceive           EventSubtype = "receive"
)

// OutgoingEventTypes are the types where the tracked account is the sender.
var OutgoingEventTypes = map[EventType]struct{}{
	EventTypeSpend:    {},
	EventTypeDeposit:  {},
	EventTypeTransfer: {},
	EventTypeFail:     {},
}

// IsOutgoing reports whether the event type moves value away from the
// tracked account.
func (t EventType) IsOutgoing() bool {
	_, ok := OutgoingEventTypes[t]
	return ok
}
