package authority

import (
	"fmt"
	"sort"

	"github.com/annel0/kmp-host/internal/logging"
)

// Политики порядка команд (authority.conflict_policy)
const (
	PolicyArrival = "arrival"
	PolicyReceive = "receive"
)

// ConflictPolicy возвращает стратегию по имени из конфига. Пустое имя — arrival.
func ConflictPolicy(name string) (ConflictResolver, error) {
	switch name {
	case "", PolicyArrival:
		return NewArrivalOrder(), nil
	case PolicyReceive:
		return ReceiveOrder{}, nil
	}
	return nil, fmt.Errorf("неизвестная политика порядка команд %q", name)
}

// ConflictResolver упорядочивает конкурирующие команды одного пакета тика.
// Порядок обязан быть детерминированным: одинаковый вход даёт одинаковый результат.
type ConflictResolver interface {
	// Order сортирует пакет на месте
	Order(batch []Envelope)
}

// ArrivalOrder порядок поступления: тик прихода, затем id участника
// лексикографически, затем порядковый номер команды.
type ArrivalOrder struct{}

// NewArrivalOrder создаёт стратегию упорядочивания по поступлению
func NewArrivalOrder() ConflictResolver {
	return ArrivalOrder{}
}

// Order реализует ConflictResolver
func (ArrivalOrder) Order(batch []Envelope) {
	sort.SliceStable(batch, func(i, j int) bool {
		a, b := batch[i], batch[j]
		if a.ArrivalTick != b.ArrivalTick {
			return a.ArrivalTick < b.ArrivalTick
		}
		if a.Requester != b.Requester {
			return a.Requester < b.Requester
		}
		return a.Seq < b.Seq
	})
}

// ReceiveOrder упорядочивает только по ReceivedAt (вариант last-write-wins на уровне пакета).
// Используется, когда часы сервера единственный источник порядка.
type ReceiveOrder struct{}

// Order реализует ConflictResolver
func (ReceiveOrder) Order(batch []Envelope) {
	logging.Trace("ReceiveOrder: упорядочивание %d команд", len(batch))
	sort.SliceStable(batch, func(i, j int) bool {
		if !batch[i].ReceivedAt.Equal(batch[j].ReceivedAt) {
			return batch[i].ReceivedAt.Before(batch[j].ReceivedAt)
		}
		return batch[i].Seq < batch[j].Seq
	})
}
