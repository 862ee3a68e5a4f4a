package domain

// LongTermNights is the stay length from which a record counts as long term.
const LongTermNights = 14

// CalculateFlags computes derived flags for the active records of one property.
// Removed records are ignored as counterparts and receive no flags.
func CalculateFlags(records []ReservationRecord) map[UID]DerivedFlags {
	flags := make(map[UID]DerivedFlags, len(records))

	live := make([]ReservationRecord, 0, len(records))
	for _, r := range records {
		if r.Status == StatusRemoved || r.Status == StatusOld {
			flags[r.UID] = DerivedFlags{}
			continue
		}
		live = append(live, r)
	}

	for i, r := range live {
		f := DerivedFlags{LongTermGuest: r.Nights() >= LongTermNights}
		for j, s := range live {
			if i == j {
				continue
			}
			if r.EntryType == EntryReservation && s.EntryType == EntryReservation && overlaps(r, s) {
				f.Overlapping = true
			}
			if s.EntryType == EntryReservation && s.CheckIn.Equal(r.CheckOut) {
				f.SameDayTurnover = true
			}
			if s.EntryType == EntryBlock && ownerArrives(r, s) {
				f.OwnerArriving = true
			}
		}
		flags[r.UID] = f
	}
	return flags
}

// overlaps is strict interval intersection; back-to-back stays do not overlap.
func overlaps(a, b ReservationRecord) bool {
	return a.CheckIn.Before(b.CheckOut) && a.CheckOut.After(b.CheckIn)
}

func ownerArrives(r, block ReservationRecord) bool {
	return block.CheckIn.Equal(r.CheckOut) || block.CheckIn.Equal(r.CheckOut.AddDate(0, 0, 1))
}
