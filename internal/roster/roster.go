// Package roster tracks participation entities and their device assignments.
//
// An entity is one participation instance of a profile within a session. Ids
// are ULIDs and are never reused: a rejoin by the same profile allocates a
// fresh entity so accrual and requirement history stay attributable to the
// instance that earned them.
package roster

import (
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrUnknownEntity is returned for operations on an entity id never joined.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrEntityInactive is returned for operations requiring an active entity.
	ErrEntityInactive = errors.New("entity is not active")
)

// Entity is one participation instance.
type Entity struct {
	EntityID  string
	ProfileID string
	DeviceID  string // empty when no device is assigned
	JoinedAt  time.Time
	Active    bool
}

// Roster is the session's entity ledger.
// It is not safe for concurrent use; the session loop owns it.
type Roster struct {
	entities map[string]*Entity
	order    []string          // join order
	byDevice map[string]string // device id -> entity id holding it
}

// New creates an empty roster.
func New() *Roster {
	return &Roster{
		entities: make(map[string]*Entity),
		byDevice: make(map[string]string),
	}
}

// Join allocates a fresh entity for the profile. Ids are never reused, even
// for the same profile within the same session. deviceID may be empty.
func (r *Roster) Join(profileID, deviceID string, now time.Time) Entity {
	e := &Entity{
		EntityID:  ulid.Make().String(),
		ProfileID: profileID,
		JoinedAt:  now,
		Active:    true,
	}
	r.entities[e.EntityID] = e
	r.order = append(r.order, e.EntityID)
	if deviceID != "" {
		r.assign(e, deviceID)
	}

	slog.Info("entity joined",
		"component", "roster",
		"action", "join",
		"entity_id", e.EntityID,
		"profile_id", profileID,
		"device_id", deviceID,
	)
	return *e
}

// Leave deactivates the entity. The record is kept, not deleted, so historical
// accrual remains attributable. Its device assignment is released.
func (r *Roster) Leave(entityID string) error {
	e, ok := r.entities[entityID]
	if !ok {
		return ErrUnknownEntity
	}
	if !e.Active {
		return ErrEntityInactive
	}
	e.Active = false
	if e.DeviceID != "" {
		delete(r.byDevice, e.DeviceID)
		e.DeviceID = ""
	}

	slog.Info("entity left",
		"component", "roster",
		"action", "leave",
		"entity_id", entityID,
	)
	return nil
}

// AssignDevice binds a device to an active entity.
// At most one active device per entity: a new assignment implicitly revokes
// the entity's previous device. A device also never feeds two entities, so any
// other entity currently holding it is detached first.
func (r *Roster) AssignDevice(entityID, deviceID string) error {
	e, ok := r.entities[entityID]
	if !ok {
		return ErrUnknownEntity
	}
	if !e.Active {
		return ErrEntityInactive
	}
	r.assign(e, deviceID)
	return nil
}

func (r *Roster) assign(e *Entity, deviceID string) {
	if prev, held := r.byDevice[deviceID]; held && prev != e.EntityID {
		if other, ok := r.entities[prev]; ok {
			other.DeviceID = ""
			slog.Warn("device reassigned",
				"component", "roster",
				"action", "device_revoked",
				"device_id", deviceID,
				"entity_id", prev,
			)
		}
	}
	if e.DeviceID != "" && e.DeviceID != deviceID {
		delete(r.byDevice, e.DeviceID)
	}
	e.DeviceID = deviceID
	r.byDevice[deviceID] = e.EntityID
}

// ActiveEntities returns active entities in join order.
func (r *Roster) ActiveEntities() []Entity {
	out := make([]Entity, 0, len(r.order))
	for _, id := range r.order {
		if e := r.entities[id]; e.Active {
			out = append(out, *e)
		}
	}
	return out
}

// Entity returns the entity record, active or not.
func (r *Roster) Entity(entityID string) (Entity, bool) {
	e, ok := r.entities[entityID]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// EntityForDevice resolves the active entity currently fed by the device.
func (r *Roster) EntityForDevice(deviceID string) (string, bool) {
	id, ok := r.byDevice[deviceID]
	return id, ok
}

// AllEntities returns every entity ever joined, in join order.
func (r *Roster) AllEntities() []Entity {
	out := make([]Entity, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.entities[id])
	}
	return out
}

// ActiveCount returns the number of active entities.
func (r *Roster) ActiveCount() int {
	n := 0
	for _, id := range r.order {
		if r.entities[id].Active {
			n++
		}
	}
	return n
}
