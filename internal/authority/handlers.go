package authority

import (
	"context"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/annel0/kmp-host/internal/state"
)

const (
	maxChatLength = 256
	// сколько тиков максимум копится «запас хода» у стоящей сущности
	maxMoveWindowTicks = 20
	buildMaterials     = "building_materials"
	buildingHealth     = 100.0
	spawnHealth        = 100.0
	defaultSpawnRange  = 50.0
	maxTemplateLength  = 64
)

func (r *Resolver) applyMove(ctx context.Context, p state.ParticipantID, cmd Move) Outcome {
	e := r.world.Get(cmd.Entity)
	if e == nil {
		return Reject(NotFound, "entity %d not found", cmd.Entity)
	}
	if !canControl(p, e) {
		return Reject(NotOwner, "entity %d is owned by %s", e.ID, e.Owner)
	}
	if e.Text(state.DataStatus) == state.StatusDown {
		return Reject(Invalid, "entity %d is down", e.ID)
	}

	to := cmd.To
	if p != state.ServerOwner {
		allowed := r.allowedStep(e.ID)
		dist := e.Position.Dist(to)
		switch {
		case dist > 2*allowed:
			return Reject(OutOfRange, "move of %.2f exceeds %.2f", dist, allowed)
		case dist > allowed:
			// небольшое превышение: подрезаем шаг вместо отказа
			to = e.Position.Add(to.Sub(e.Position).Scale(allowed / dist))
		}
	}

	txn := r.Begin()
	_ = txn.Modify(e.ID, func(n *state.EntityState) {
		n.Position = to
		n.Rotation = cmd.Rotation
	})
	out := r.commit(ctx, txn)
	if out.Ok() {
		r.lastMove[e.ID] = r.tick
	}
	return out
}

// allowedStep расстояние, которое сущность могла пройти с прошлого хода
func (r *Resolver) allowedStep(id state.EntityID) float64 {
	elapsed := uint64(maxMoveWindowTicks)
	if last, ok := r.lastMove[id]; ok && r.tick > last && r.tick-last < elapsed {
		elapsed = r.tick - last
	}
	if elapsed == 0 {
		elapsed = 1
	}
	interval := r.cfg.TickInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return r.cfg.MaxMoveSpeed * (time.Duration(elapsed) * interval).Seconds()
}

// Damage урон атакующего по цели: attack * (1 - min(defense, 90) / 100)
func Damage(attacker, target *state.EntityState) float64 {
	attack := attacker.Number(state.DataAttack, 20)
	defense := target.Number(state.DataDefense, 0)
	if defense > 90 {
		defense = 90
	}
	if defense < 0 {
		defense = 0
	}
	return attack * (1 - defense/100)
}

func (r *Resolver) applyAttack(ctx context.Context, p state.ParticipantID, cmd Attack) Outcome {
	a := r.world.Get(cmd.Attacker)
	t := r.world.Get(cmd.Target)
	if a == nil || t == nil {
		return Reject(NotFound, "attacker %d or target %d not found", cmd.Attacker, cmd.Target)
	}
	if !canControl(p, a) {
		return Reject(NotOwner, "entity %d is owned by %s", a.ID, a.Owner)
	}
	if a.ID == t.ID {
		return Reject(Invalid, "entity cannot attack itself")
	}
	if a.Text(state.DataStatus) == state.StatusDown {
		return Reject(Invalid, "attacker %d is down", a.ID)
	}
	if t.Type != state.EntityPlayer && t.Type != state.EntityNPC {
		return Reject(Invalid, "%s cannot be attacked", t.Type)
	}
	if t.Text(state.DataStatus) == state.StatusDown || t.Health <= 0 {
		return Reject(Invalid, "target %d is already down", t.ID)
	}
	if !r.cfg.PvPEnabled && a.Type == state.EntityPlayer && t.Type == state.EntityPlayer {
		return Reject(Invalid, "pvp is disabled")
	}
	if dist := a.Position.Dist(t.Position); dist > r.cfg.AttackRange {
		return Reject(OutOfRange, "target at %.2f, range %.2f", dist, r.cfg.AttackRange)
	}
	if last, ok := r.lastAttack[a.ID]; ok && r.tick-last < r.cfg.AttackCooldownTicks {
		return Reject(RateLimited, "attack cooldown")
	}
	if uint64(t.Number(state.DataInvulnerableUntil, 0)) > r.tick {
		return Reject(Invulnerable, "target %d is invulnerable", t.ID)
	}

	dmg := Damage(a, t)
	health := t.Health - dmg
	if health < 0 {
		health = 0
	}

	txn := r.Begin()
	_ = txn.Modify(t.ID, func(n *state.EntityState) {
		n.Health = health
		if n.Data == nil {
			n.Data = map[string]any{}
		}
		n.Data[state.DataLastAttacker] = float64(a.ID)
	})

	events := []Event{Near(EventCombatHit, t.Position, map[string]any{
		"attacker": float64(a.ID),
		"target":   float64(t.ID),
		"damage":   dmg,
		"health":   health,
	})}
	if health <= 0 {
		switch t.Type {
		case state.EntityNPC:
			txn.Destroy(t.ID)
			events = append(events, Near(EventDeath, t.Position, map[string]any{
				"entity": float64(t.ID), "killer": float64(a.ID),
			}))
		default:
			_ = txn.Modify(t.ID, func(n *state.EntityState) {
				n.Data[state.DataStatus] = state.StatusDown
			})
			events = append(events, Near(EventKnockedOut, t.Position, map[string]any{
				"entity": float64(t.ID), "by": float64(a.ID),
			}))
		}
	}

	out := r.commit(ctx, txn, events...)
	if out.Ok() {
		r.lastAttack[a.ID] = r.tick
	}
	return out
}

func (r *Resolver) applyPickUp(ctx context.Context, p state.ParticipantID, cmd PickUp) Outcome {
	actor := r.world.Get(cmd.Actor)
	item := r.world.Get(cmd.Item)
	if actor == nil || item == nil {
		return Reject(NotFound, "actor %d or item %d not found", cmd.Actor, cmd.Item)
	}
	if !canControl(p, actor) {
		return Reject(NotOwner, "entity %d is owned by %s", actor.ID, actor.Owner)
	}
	if item.Type != state.EntityItem {
		return Reject(Invalid, "entity %d is not an item", item.ID)
	}
	if item.Number(state.DataContainer, 0) != 0 {
		return Reject(Invalid, "item %d is inside a container", item.ID)
	}
	if dist := actor.Position.Dist(item.Position); dist > r.cfg.InteractRange {
		return Reject(OutOfRange, "item at %.2f, reach %.2f", dist, r.cfg.InteractRange)
	}
	kind := item.Text(state.DataItem)
	if kind == "" {
		return Reject(Invalid, "item %d has no kind", item.ID)
	}
	amount := item.Number(state.DataAmount, 1)

	txn := r.Begin()
	_ = txn.Modify(actor.ID, func(n *state.EntityState) {
		inv := state.Inventory(n)
		inv[kind] += amount
		setInventory(n, inv)
	})
	txn.Destroy(item.ID)
	return r.commit(ctx, txn, To(EventItemPicked, map[string]any{
		"actor": float64(actor.ID), "item": kind, "amount": amount,
	}, p))
}

func (r *Resolver) applyDrop(ctx context.Context, p state.ParticipantID, cmd Drop) Outcome {
	actor := r.world.Get(cmd.Actor)
	if actor == nil {
		return Reject(NotFound, "actor %d not found", cmd.Actor)
	}
	if !canControl(p, actor) {
		return Reject(NotOwner, "entity %d is owned by %s", actor.ID, actor.Owner)
	}
	if cmd.Amount <= 0 || cmd.Item == "" {
		return Reject(Invalid, "bad drop %q x%.0f", cmd.Item, cmd.Amount)
	}
	if !state.Has(actor, cmd.Item, cmd.Amount) {
		return Reject(InsufficientResource, "not enough %s", cmd.Item)
	}

	txn := r.Begin()
	_ = txn.Modify(actor.ID, func(n *state.EntityState) {
		inv := state.Inventory(n)
		inv[cmd.Item] -= cmd.Amount
		setInventory(n, inv)
	})
	txn.Create(&state.EntityState{
		Type:     state.EntityItem,
		Position: actor.Position,
		Owner:    state.ServerOwner,
		Data: map[string]any{
			state.DataItem:      cmd.Item,
			state.DataAmount:    cmd.Amount,
			state.DataContainer: 0.0,
		},
	})
	return r.commit(ctx, txn, Near(EventItemDropped, actor.Position, map[string]any{
		"actor": float64(actor.ID), "item": cmd.Item, "amount": cmd.Amount,
	}))
}

func (r *Resolver) applyUseItem(ctx context.Context, p state.ParticipantID, cmd UseItem) Outcome {
	actor := r.world.Get(cmd.Actor)
	if actor == nil {
		return Reject(NotFound, "actor %d not found", cmd.Actor)
	}
	if !canControl(p, actor) {
		return Reject(NotOwner, "entity %d is owned by %s", actor.ID, actor.Owner)
	}
	heal, ok := r.cfg.Consumables[cmd.Item]
	if !ok {
		return Reject(Invalid, "%s cannot be used", cmd.Item)
	}
	if !state.Has(actor, cmd.Item, 1) {
		return Reject(InsufficientResource, "no %s in inventory", cmd.Item)
	}

	txn := r.Begin()
	_ = txn.Modify(actor.ID, func(n *state.EntityState) {
		inv := state.Inventory(n)
		inv[cmd.Item]--
		setInventory(n, inv)
		n.Health += heal
		if n.Health > n.MaxHealth {
			n.Health = n.MaxHealth
		}
		if n.Health > 0 && n.Text(state.DataStatus) == state.StatusDown {
			delete(n.Data, state.DataStatus)
		}
	})
	return r.commit(ctx, txn, To(EventItemUsed, map[string]any{
		"actor": float64(actor.ID), "item": cmd.Item, "heal": heal,
	}, p))
}

func (r *Resolver) applyBuild(ctx context.Context, p state.ParticipantID, cmd Build) Outcome {
	actor := r.world.Get(cmd.Actor)
	if actor == nil {
		return Reject(NotFound, "actor %d not found", cmd.Actor)
	}
	if !canControl(p, actor) {
		return Reject(NotOwner, "entity %d is owned by %s", actor.ID, actor.Owner)
	}
	cost, ok := r.cfg.BuildCosts[cmd.Building]
	if !ok {
		return Reject(Invalid, "unknown building %q", cmd.Building)
	}
	if dist := actor.Position.Dist(cmd.Position); dist > 4*r.cfg.InteractRange {
		return Reject(OutOfRange, "build site at %.2f", dist)
	}
	if !state.Has(actor, buildMaterials, cost) {
		return Reject(InsufficientResource, "%s needs %.0f %s", cmd.Building, cost, buildMaterials)
	}

	txn := r.Begin()
	_ = txn.Modify(actor.ID, func(n *state.EntityState) {
		inv := state.Inventory(n)
		inv[buildMaterials] -= cost
		setInventory(n, inv)
	})
	id := txn.Create(&state.EntityState{
		Type:      state.EntityBuilding,
		Position:  cmd.Position,
		Rotation:  cmd.Rotation,
		Health:    buildingHealth,
		MaxHealth: buildingHealth,
		Owner:     state.ServerOwner,
		Data: map[string]any{
			state.DataKind:      cmd.Building,
			state.DataIntegrity: 100.0,
			"builder":           float64(actor.ID),
		},
	})
	return r.commit(ctx, txn, Near(EventBuildPlaced, cmd.Position, map[string]any{
		"building": float64(id), "kind": cmd.Building, "builder": float64(actor.ID),
	}))
}

func (r *Resolver) applyChat(p state.ParticipantID, cmd Chat) Outcome {
	text := strings.TrimSpace(cmd.Text)
	if text == "" {
		return Reject(Invalid, "empty chat message")
	}
	if utf8.RuneCountInString(text) > maxChatLength {
		return Reject(Invalid, "chat message longer than %d", maxChatLength)
	}
	return Outcome{Events: []Event{Broadcast(EventChat, map[string]any{
		"from": string(p), "text": text,
	})}}
}

func (r *Resolver) applySpawn(ctx context.Context, cmd Spawn) Outcome {
	if cmd.Entity.ID != 0 && r.world.Get(cmd.Entity.ID) != nil {
		return Reject(Invalid, "entity %d already exists", cmd.Entity.ID)
	}
	if cmd.Entity.Owner == "" {
		cmd.Entity.Owner = state.ServerOwner
	}
	txn := r.Begin()
	txn.Create(&cmd.Entity)
	return r.commit(ctx, txn)
}

// applySpawnRequest член отряда рядом со своими сущностями, в пределах лимита участника
func (r *Resolver) applySpawnRequest(ctx context.Context, p state.ParticipantID, cmd SpawnRequest) Outcome {
	if cmd.Type != state.EntityPlayer && cmd.Type != state.EntityNPC {
		return Reject(Invalid, "%s cannot be requested", cmd.Type)
	}
	if !finite(cmd.Position) || math.IsNaN(cmd.Rotation) || math.IsInf(cmd.Rotation, 0) {
		return Reject(Invalid, "bad spawn position")
	}

	reach := r.cfg.SpawnRange
	if reach <= 0 {
		reach = defaultSpawnRange
	}
	owned := 0
	near := false
	r.world.Each(func(e *state.EntityState) {
		if !e.OwnedBy(p) || (e.Type != state.EntityPlayer && e.Type != state.EntityNPC) {
			return
		}
		owned++
		if e.Position.Dist(cmd.Position) <= reach {
			near = true
		}
	})
	if owned == 0 {
		return Reject(NotOwner, "participant %s has no entities", p)
	}
	if r.cfg.MaxOwnedEntities > 0 && owned >= r.cfg.MaxOwnedEntities {
		return Reject(InsufficientResource, "squad limit %d reached", r.cfg.MaxOwnedEntities)
	}
	if !near {
		return Reject(OutOfRange, "spawn at %s is farther than %.1f from own entities", cmd.Position, reach)
	}

	e := &state.EntityState{
		Type:      cmd.Type,
		Position:  cmd.Position,
		Rotation:  cmd.Rotation,
		Health:    spawnHealth,
		MaxHealth: spawnHealth,
		Owner:     p,
		Data:      map[string]any{state.DataController: state.ControllerHuman},
	}
	if name := strings.TrimSpace(cmd.Template); name != "" && utf8.RuneCountInString(name) <= maxTemplateLength {
		e.Data[state.DataName] = name
	}
	if f := strings.TrimSpace(cmd.Faction); f != "" && utf8.RuneCountInString(f) <= maxTemplateLength {
		e.Data[state.DataFaction] = f
	}
	txn := r.Begin()
	txn.Create(e)
	return r.commit(ctx, txn)
}

// applyDespawnRequest все сущности должны принадлежать отправителю, иначе ничего не удаляется
func (r *Resolver) applyDespawnRequest(ctx context.Context, p state.ParticipantID, cmd DespawnRequest) Outcome {
	if len(cmd.Entities) == 0 {
		return Reject(Invalid, "nothing to despawn")
	}
	for _, id := range cmd.Entities {
		e := r.world.Get(id)
		if e == nil {
			return Reject(NotFound, "entity %d not found", id)
		}
		if !e.OwnedBy(p) {
			return Reject(NotOwner, "entity %d is owned by %s", id, e.Owner)
		}
	}
	txn := r.Begin()
	for _, id := range cmd.Entities {
		txn.Destroy(id)
	}
	return r.commit(ctx, txn)
}

func finite(v state.Vec3) bool {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func (r *Resolver) applyDespawn(ctx context.Context, cmd Despawn) Outcome {
	txn := r.Begin()
	for _, id := range cmd.Entities {
		if r.world.Get(id) != nil {
			txn.Destroy(id)
		}
	}
	return r.commit(ctx, txn)
}

func (r *Resolver) applyTransfer(ctx context.Context, cmd TransferOwnership) Outcome {
	if cmd.To == "" {
		return Reject(Invalid, "transfer without new owner")
	}
	txn := r.Begin()
	for _, id := range cmd.Entities {
		if err := txn.Modify(id, func(n *state.EntityState) { n.Owner = cmd.To }); err != nil {
			return Reject(NotFound, "entity %d not found", id)
		}
	}
	return r.commit(ctx, txn)
}

func (r *Resolver) applySetControl(ctx context.Context, cmd SetControl) Outcome {
	if cmd.Controller != state.ControllerAI && cmd.Controller != state.ControllerHuman {
		return Reject(Invalid, "unknown controller %q", cmd.Controller)
	}
	txn := r.Begin()
	for _, id := range cmd.Entities {
		err := txn.Modify(id, func(n *state.EntityState) {
			if n.Data == nil {
				n.Data = map[string]any{}
			}
			n.Data[state.DataController] = cmd.Controller
			if cmd.InvulnerableTicks > 0 {
				n.Data[state.DataInvulnerableUntil] = float64(r.tick + cmd.InvulnerableTicks)
			} else {
				delete(n.Data, state.DataInvulnerableUntil)
			}
		})
		if err != nil {
			return Reject(NotFound, "entity %d not found", id)
		}
	}
	return r.commit(ctx, txn)
}

func setInventory(e *state.EntityState, inv map[string]float64) {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data[state.DataInventory] = state.InventoryValue(inv)
}
