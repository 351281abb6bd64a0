package authority

import (
	"github.com/annel0/kmp-host/internal/state"
)

// Kind имя команды на проводе и в логах
type Kind string

const (
	KindMove    Kind = "move"
	KindAttack  Kind = "attack"
	KindPickUp  Kind = "pickup"
	KindDrop    Kind = "drop"
	KindUseItem Kind = "use"
	KindBuild   Kind = "build"
	KindChat    Kind = "chat"

	// Сущности отряда: клиент просит, сервер выдаёт id и владельца
	KindSpawnRequest   Kind = "entity.spawn"
	KindDespawnRequest Kind = "entity.despawn"

	KindProposeTrade Kind = "trade.propose"
	KindRespondTrade Kind = "trade.respond"
	KindUpdateOffer  Kind = "trade.offer"
	KindSetReady     Kind = "trade.ready"
	KindConfirmTrade Kind = "trade.confirm"
	KindCancelTrade  Kind = "trade.cancel"

	// Только сервер
	KindSpawn                   Kind = "spawn"
	KindDespawn                 Kind = "despawn"
	KindTransferOwnership       Kind = "transfer"
	KindSetControl              Kind = "control"
	KindCancelParticipantTrades Kind = "trade.cancel_all"
)

// Command закрытое множество команд. Реализации есть только в этом пакете,
// резолвер разбирает их исчерпывающим type switch.
type Command interface {
	Kind() Kind
	sealed()
}

// ServerOnly команды, которые клиент не может отправить
func ServerOnly(k Kind) bool {
	switch k {
	case KindSpawn, KindDespawn, KindTransferOwnership, KindSetControl, KindCancelParticipantTrades:
		return true
	}
	return false
}

// Move запрос перемещения своей сущности
type Move struct {
	Entity   state.EntityID `json:"entity"`
	To       state.Vec3     `json:"to"`
	Rotation float64        `json:"rot"`
}

// Attack запрос атаки
type Attack struct {
	Attacker state.EntityID `json:"attacker"`
	Target   state.EntityID `json:"target"`
}

// PickUp подобрать предмет, лежащий в мире
type PickUp struct {
	Actor state.EntityID `json:"actor"`
	Item  state.EntityID `json:"item"`
}

// Drop выбросить предмет из инвентаря
type Drop struct {
	Actor  state.EntityID `json:"actor"`
	Item   string         `json:"item"`
	Amount float64        `json:"amount"`
}

// UseItem использовать расходник
type UseItem struct {
	Actor state.EntityID `json:"actor"`
	Item  string         `json:"item"`
}

// Build поставить постройку
type Build struct {
	Actor    state.EntityID `json:"actor"`
	Building string         `json:"kind"`
	Position state.Vec3     `json:"pos"`
	Rotation float64        `json:"rot"`
}

// Chat сообщение в общий чат
type Chat struct {
	Text string `json:"text"`
}

// SpawnRequest игра участника создала члена отряда. Id назначает сервер,
// владелец — отправитель.
type SpawnRequest struct {
	Type     state.EntityType `json:"type"`
	Position state.Vec3       `json:"pos"`
	Rotation float64          `json:"rot"`
	Template string           `json:"template,omitempty"`
	Faction  string           `json:"faction,omitempty"`
}

// DespawnRequest участник убирает свои сущности
type DespawnRequest struct {
	Entities []state.EntityID `json:"entities"`
}

// TradeCommand команды, обслуживаемые координатором торговли
type TradeCommand interface {
	Command
	tradeCommand()
}

type ProposeTrade struct {
	Initiator state.EntityID `json:"initiator"`
	Target    state.EntityID `json:"target"`
}

type RespondTrade struct {
	TradeID string `json:"trade"`
	Accept  bool   `json:"accept"`
}

type UpdateOffer struct {
	TradeID string             `json:"trade"`
	Items   map[string]float64 `json:"items"`
}

type SetReady struct {
	TradeID string `json:"trade"`
	Ready   bool   `json:"ready"`
}

type ConfirmTrade struct {
	TradeID string `json:"trade"`
}

type CancelTrade struct {
	TradeID string `json:"trade"`
}

// CancelParticipantTrades отменяет все сделки участника (разрыв соединения)
type CancelParticipantTrades struct {
	Participant state.ParticipantID `json:"participant"`
}

// Spawn создаёт сущность по шаблону. ID == 0 — выделить новый.
type Spawn struct {
	Entity state.EntityState `json:"entity"`
}

// Despawn удаляет сущности
type Despawn struct {
	Entities []state.EntityID `json:"entities"`
}

// TransferOwnership передаёт управление сущностями
type TransferOwnership struct {
	Entities []state.EntityID    `json:"entities"`
	To       state.ParticipantID `json:"to"`
}

// SetControl переключает контроллер сущностей (игрок / ИИ) и окно неуязвимости в тиках
type SetControl struct {
	Entities          []state.EntityID `json:"entities"`
	Controller        string           `json:"controller"`
	InvulnerableTicks uint64           `json:"invulnerableTicks"`
}

func (Move) Kind() Kind                    { return KindMove }
func (Attack) Kind() Kind                  { return KindAttack }
func (PickUp) Kind() Kind                  { return KindPickUp }
func (Drop) Kind() Kind                    { return KindDrop }
func (UseItem) Kind() Kind                 { return KindUseItem }
func (Build) Kind() Kind                   { return KindBuild }
func (Chat) Kind() Kind                    { return KindChat }
func (SpawnRequest) Kind() Kind            { return KindSpawnRequest }
func (DespawnRequest) Kind() Kind          { return KindDespawnRequest }
func (ProposeTrade) Kind() Kind            { return KindProposeTrade }
func (RespondTrade) Kind() Kind            { return KindRespondTrade }
func (UpdateOffer) Kind() Kind             { return KindUpdateOffer }
func (SetReady) Kind() Kind                { return KindSetReady }
func (ConfirmTrade) Kind() Kind            { return KindConfirmTrade }
func (CancelTrade) Kind() Kind             { return KindCancelTrade }
func (CancelParticipantTrades) Kind() Kind { return KindCancelParticipantTrades }
func (Spawn) Kind() Kind                   { return KindSpawn }
func (Despawn) Kind() Kind                 { return KindDespawn }
func (TransferOwnership) Kind() Kind       { return KindTransferOwnership }
func (SetControl) Kind() Kind              { return KindSetControl }

func (Move) sealed()                    {}
func (Attack) sealed()                  {}
func (PickUp) sealed()                  {}
func (Drop) sealed()                    {}
func (UseItem) sealed()                 {}
func (Build) sealed()                   {}
func (Chat) sealed()                    {}
func (SpawnRequest) sealed()            {}
func (DespawnRequest) sealed()          {}
func (ProposeTrade) sealed()            {}
func (RespondTrade) sealed()            {}
func (UpdateOffer) sealed()             {}
func (SetReady) sealed()                {}
func (ConfirmTrade) sealed()            {}
func (CancelTrade) sealed()             {}
func (CancelParticipantTrades) sealed() {}
func (Spawn) sealed()                   {}
func (Despawn) sealed()                 {}
func (TransferOwnership) sealed()       {}
func (SetControl) sealed()              {}

func (ProposeTrade) tradeCommand()            {}
func (RespondTrade) tradeCommand()            {}
func (UpdateOffer) tradeCommand()             {}
func (SetReady) tradeCommand()                {}
func (ConfirmTrade) tradeCommand()            {}
func (CancelTrade) tradeCommand()             {}
func (CancelParticipantTrades) tradeCommand() {}
