/*
Package membership holds the node's authoritative view of cluster quorum
and membership.

A View stores an immutable types.MembershipSnapshot behind an atomic
pointer. Readers call Current and never wait on a writer. The membership
transport calls Update for every notification it receives; repeated
notifications carrying the same fingerprint and quorum flag are dropped,
everything else produces a new snapshot with the next generation number and
is delivered synchronously, in order, to every subscriber.

	view := membership.NewView()
	view.Subscribe(func(prev, next types.MembershipSnapshot) {
		if prev.Quorate && !next.Quorate {
			// stop everything
		}
	})
	view.Update(membership.Event{Quorate: true, Members: peers})

A snapshot with zero members is never quorate.
*/
package membership
