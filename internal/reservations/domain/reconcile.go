package domain

import "time"

// ReconcileInput is everything one diff pass over a scope needs.
type ReconcileInput struct {
	Scope  Scope
	Events []BookingEvent
	// Existing holds the active records of the scope's property across all
	// sources. Records of other sources only contribute to derived flags.
	Existing      []ReservationRecord
	ReferenceDate time.Time
	SyncedAt      time.Time
	// Protected lists external ids of source entries that could not be read
	// this pass. Active records carrying them are never removed.
	Protected []string
}

// Transition supersedes Previous with Next. Previous is nil for creates.
type Transition struct {
	Previous *ReservationRecord
	Next     ReservationRecord
}

// FlagUpdate replaces the derived flags of an otherwise unchanged active record.
type FlagUpdate struct {
	Record ReservationRecord
	Flags  DerivedFlags
}

// ReconcileResult lists the writes needed to bring a scope in line with a batch.
type ReconcileResult struct {
	Scope         Scope
	Creates       []Transition
	Supersessions []Transition
	Removals      []Transition
	FlagUpdates   []FlagUpdate
	Unchanged     int
	Errors        []error
	Warnings      []IdentityCollisionWarning
}

// Transitions returns creates, supersessions and removals in apply order.
func (r ReconcileResult) Transitions() []Transition {
	out := make([]Transition, 0, len(r.Creates)+len(r.Supersessions)+len(r.Removals))
	out = append(out, r.Creates...)
	out = append(out, r.Supersessions...)
	return append(out, r.Removals...)
}

// HasWrites reports whether applying the result touches the store.
func (r ReconcileResult) HasWrites() bool {
	return len(r.Creates)+len(r.Supersessions)+len(r.Removals)+len(r.FlagUpdates) > 0
}

// Reconcile diffs an incoming batch for one scope against the scope's active
// records. It performs no I/O and reads no clock; the same input always gives
// the same result.
//
// An event whose UID is unknown but whose external id matches an active
// record of the scope updates that record, so a date change on the source
// keeps the record's UID. Records absent from the batch are removed only
// when their checkout is on or after the reference date.
func Reconcile(in ReconcileInput) ReconcileResult {
	res := ReconcileResult{Scope: in.Scope}
	ref := DateOf(in.ReferenceDate)

	byUID := make(map[UID]ReservationRecord)
	byExternal := make(map[string]UID)
	scoped := make([]ReservationRecord, 0, len(in.Existing))
	for _, r := range in.Existing {
		if !r.IsActive() || r.Scope() != in.Scope {
			continue
		}
		if _, dup := byUID[r.UID]; dup {
			continue
		}
		byUID[r.UID] = r
		scoped = append(scoped, r)
		if r.ExternalID != "" {
			if _, seen := byExternal[r.ExternalID]; !seen {
				byExternal[r.ExternalID] = r.UID
			}
		}
	}

	protected := make(map[string]bool, len(in.Protected))
	for _, id := range in.Protected {
		if id != "" {
			protected[id] = true
		}
	}

	type pick struct {
		index int
		event BookingEvent
	}
	picked := make(map[UID]pick)
	order := make([]UID, 0, len(in.Events))
	touched := make(map[UID]bool, len(in.Events))

	for i, ev := range in.Events {
		if err := validateEvent(in.Scope, i, ev); err != nil {
			res.Errors = append(res.Errors, err)
			// A broken entry that still names a known booking must not remove it.
			if uid, ok := byExternal[ev.ExternalID]; ok && ev.ExternalID != "" {
				touched[uid] = true
			}
			continue
		}

		uid := AssignUID(ev)
		if _, ok := byUID[uid]; !ok && ev.ExternalID != "" {
			if known, ok := byExternal[ev.ExternalID]; ok {
				uid = known
			}
		}
		touched[uid] = true

		if prev, dup := picked[uid]; dup {
			res.Warnings = append(res.Warnings, IdentityCollisionWarning{
				Scope:       in.Scope,
				UID:         uid,
				FirstIndex:  prev.index,
				SecondIndex: i,
			})
		} else {
			order = append(order, uid)
		}
		picked[uid] = pick{index: i, event: ev}
	}

	for _, uid := range order {
		ev := picked[uid].event
		cur, found := byUID[uid]
		switch {
		case !found:
			res.Creates = append(res.Creates, Transition{Next: NewRecordFromEvent(uid, ev, in.SyncedAt)})
		case cur.Status != StatusRemoved && !cur.Differs(ev):
			res.Unchanged++
		default:
			prev := cur
			res.Supersessions = append(res.Supersessions, Transition{
				Previous: &prev,
				Next:     cur.ModifiedBy(ev, in.SyncedAt),
			})
		}
	}

	for _, r := range scoped {
		if touched[r.UID] || protected[r.ExternalID] || r.Status == StatusRemoved || r.CheckOut.Before(ref) {
			continue
		}
		prev := r
		res.Removals = append(res.Removals, Transition{Previous: &prev, Next: r.Removed(in.SyncedAt)})
	}

	attachFlags(&res, in.Existing)
	return res
}

// attachFlags computes flags over the property's active set as it will look
// after the result is applied.
func attachFlags(res *ReconcileResult, existing []ReservationRecord) {
	active := make(map[UID]ReservationRecord, len(existing))
	order := make([]UID, 0, len(existing))
	put := func(r ReservationRecord) {
		if _, ok := active[r.UID]; !ok {
			order = append(order, r.UID)
		}
		active[r.UID] = r
	}
	for _, r := range existing {
		if r.IsActive() {
			put(r)
		}
	}

	changed := make(map[UID]bool)
	for _, t := range res.Transitions() {
		put(t.Next)
		changed[t.Next.UID] = true
	}

	set := make([]ReservationRecord, 0, len(order))
	for _, uid := range order {
		set = append(set, active[uid])
	}
	flags := CalculateFlags(set)

	for i := range res.Creates {
		res.Creates[i].Next.Flags = flags[res.Creates[i].Next.UID]
	}
	for i := range res.Supersessions {
		res.Supersessions[i].Next.Flags = flags[res.Supersessions[i].Next.UID]
	}

	for _, uid := range order {
		if changed[uid] {
			continue
		}
		r := active[uid]
		if f := flags[uid]; f != r.Flags {
			res.FlagUpdates = append(res.FlagUpdates, FlagUpdate{Record: r, Flags: f})
		}
	}
}

func validateEvent(scope Scope, index int, e BookingEvent) *ValidationError {
	invalid := func(field, reason string) *ValidationError {
		return &ValidationError{Scope: scope, Index: index, Field: field, Reason: reason}
	}
	switch {
	case e.Source != scope.Source || e.PropertyRef != scope.PropertyRef:
		return invalid("scope", "does not match "+scope.String())
	case e.CheckIn.IsZero():
		return invalid("check_in", "is missing")
	case e.CheckOut.IsZero():
		return invalid("check_out", "is missing")
	case !DateOf(e.CheckIn).Equal(e.CheckIn) || !DateOf(e.CheckOut).Equal(e.CheckOut):
		return invalid("dates", "must be UTC midnights")
	case e.CheckOut.Before(e.CheckIn):
		return invalid("check_out", "is before check_in")
	case !e.EntryType.IsValid():
		return invalid("entry_type", "is unknown")
	}
	return nil
}
