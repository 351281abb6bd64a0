package replication

import (
	"math"

	"github.com/annel0/kmp-host/internal/config"
	"github.com/annel0/kmp-host/internal/state"
)

// InterestMode способ отбора видимых сущностей
type InterestMode string

const (
	// ZoneMode соседство 3×3 зон вокруг сущностей участника
	ZoneMode InterestMode = "zone"
	// RadiusMode круг радиуса Radius в плоскости XZ
	RadiusMode InterestMode = "radius"
)

// InterestFilter решает, какие сущности видит участник.
// Свои сущности видны всегда, остальные — рядом с любой своей.
type InterestFilter struct {
	Mode     InterestMode
	ZoneSize float64
	Radius   float64
}

// NewInterestFilter строит фильтр из конфигурации
func NewInterestFilter(cfg config.ReplicationConfig) InterestFilter {
	f := InterestFilter{Mode: InterestMode(cfg.InterestMode), ZoneSize: cfg.ZoneSize, Radius: cfg.InterestRadius}
	if f.Mode != RadiusMode {
		f.Mode = ZoneMode
	}
	if f.ZoneSize <= 0 {
		f.ZoneSize = 750
	}
	if f.Radius <= 0 {
		f.Radius = 750
	}
	return f
}

// Zone координаты зоны для позиции
func (f InterestFilter) Zone(pos state.Vec3) (int64, int64) {
	return int64(math.Floor(pos.X / f.ZoneSize)), int64(math.Floor(pos.Z / f.ZoneSize))
}

// Anchors позиции сущностей участника
func (f InterestFilter) Anchors(p state.ParticipantID, entities []*state.EntityState) []state.Vec3 {
	var out []state.Vec3
	for _, e := range entities {
		if e.Owner == p {
			out = append(out, e.Position)
		}
	}
	return out
}

// InRange попадает ли позиция в зону интереса хотя бы одной опоры
func (f InterestFilter) InRange(anchors []state.Vec3, pos state.Vec3) bool {
	for _, a := range anchors {
		if f.Mode == RadiusMode {
			if a.DistXZ(pos) <= f.Radius {
				return true
			}
			continue
		}
		ax, az := f.Zone(a)
		px, pz := f.Zone(pos)
		if abs64(ax-px) <= 1 && abs64(az-pz) <= 1 {
			return true
		}
	}
	return false
}

// Visible множество видимых участнику сущностей
func (f InterestFilter) Visible(p state.ParticipantID, entities []*state.EntityState) map[state.EntityID]*state.EntityState {
	anchors := f.Anchors(p, entities)
	out := make(map[state.EntityID]*state.EntityState)
	for _, e := range entities {
		if e.Owner == p || f.InRange(anchors, e.Position) {
			out[e.ID] = e
		}
	}
	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
