package remit

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	EventTypeUserRegistered      = "remit.user.registered"
	EventTypeProfileUpdated      = "remit.user.updated"
	EventTypeRemittanceCreated   = "remit.remittance.created"
	EventTypeRemittanceCompleted = "remit.remittance.completed"
	EventTypeRemittanceCancelled = "remit.remittance.cancelled"
	EventTypeFeeRateUpdated      = "remit.fee_rate.updated"
	EventTypeTokenSupportChanged = "remit.token.support_changed"
	EventTypeSystemPaused        = "remit.system.paused"
	EventTypeSystemUnpaused      = "remit.system.unpaused"
)

// Event is the closed set of notifications the engine emits after a commit.
// Only types in this package implement it.
type Event interface {
	EventType() string
	sealed()
}

// Emitter receives committed events.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

type UserRegistered struct {
	Account     common.Address
	PhoneNumber string
	DisplayName string
}

type ProfileUpdated struct {
	Account     common.Address
	DisplayName string
}

type RemittanceCreated struct {
	ID             uint64
	Sender         common.Address
	Recipient      common.Address
	Token          common.Address
	Amount         *uint256.Int
	Fee            *uint256.Int
	RecipientPhone string
	Reference      string
}

type RemittanceCompleted struct {
	ID          uint64
	CompletedBy common.Address
}

type RemittanceCancelled struct {
	ID uint64
}

type FeeRateUpdated struct {
	NewRateBps uint32
}

type TokenSupportChanged struct {
	Token     common.Address
	Supported bool
}

type SystemPaused struct{}

type SystemUnpaused struct{}

func (UserRegistered) EventType() string      { return EventTypeUserRegistered }
func (ProfileUpdated) EventType() string      { return EventTypeProfileUpdated }
func (RemittanceCreated) EventType() string   { return EventTypeRemittanceCreated }
func (RemittanceCompleted) EventType() string { return EventTypeRemittanceCompleted }
func (RemittanceCancelled) EventType() string { return EventTypeRemittanceCancelled }
func (FeeRateUpdated) EventType() string      { return EventTypeFeeRateUpdated }
func (TokenSupportChanged) EventType() string { return EventTypeTokenSupportChanged }
func (SystemPaused) EventType() string        { return EventTypeSystemPaused }
func (SystemUnpaused) EventType() string      { return EventTypeSystemUnpaused }

func (UserRegistered) sealed()      {}
func (ProfileUpdated) sealed()      {}
func (RemittanceCreated) sealed()   {}
func (RemittanceCompleted) sealed() {}
func (RemittanceCancelled) sealed() {}
func (FeeRateUpdated) sealed()      {}
func (TokenSupportChanged) sealed() {}
func (SystemPaused) sealed()        {}
func (SystemUnpaused) sealed()      {}
