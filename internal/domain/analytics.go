package domain

// Analytics is the on-demand aggregate view for one owner. Computed fresh
// from the store on every read, never cached.
type Analytics struct {
	SchedulesByState map[ScheduleState]int

	CalendarSuccesses int
	CalendarFailures  int
}
