package auth

import "time"

// SetClock overrides the authority's clock.
func (a *Authority) SetClock(now func() time.Time) { a.now = now }
