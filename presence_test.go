package orbit

import "testing"

func TestAggregatorUnion(t *testing.T) {
	t.Run("participant online while any observer reports them", func(t *testing.T) {
		a := NewAggregator()
		a.Apply("srv-1", PresenceEvent{Kind: PresenceJoin, ObserverRef: "obs-1", Participants: []string{"p1"}})
		a.Apply("srv-1", PresenceEvent{Kind: PresenceJoin, ObserverRef: "obs-2", Participants: []string{"p1"}})

		// Observer 2 reports leave, observer 1 still holds p1.
		a.Apply("srv-1", PresenceEvent{Kind: PresenceLeave, ObserverRef: "obs-2", Participants: []string{"p1"}})
		if !a.IsOnline("srv-1", "p1") {
			t.Fatal("p1 flickered offline while another observer still reports them")
		}

		a.Apply("srv-1", PresenceEvent{Kind: PresenceLeave, ObserverRef: "obs-1", Participants: []string{"p1"}})
		if a.IsOnline("srv-1", "p1") {
			t.Fatal("p1 still online after every observer left")
		}
	})

	t.Run("online set is sorted union", func(t *testing.T) {
		a := NewAggregator()
		a.Apply("srv-1", PresenceEvent{Kind: PresenceJoin, ObserverRef: "obs-1", Participants: []string{"p3", "p1"}})
		a.Apply("srv-1", PresenceEvent{Kind: PresenceJoin, ObserverRef: "obs-2", Participants: []string{"p2", "p1"}})

		got := a.Online("srv-1")
		if !equalIDs(got, []string{"p1", "p2", "p3"}) {
			t.Fatalf("online set = %v", got)
		}
	})

	t.Run("duplicate join is idempotent", func(t *testing.T) {
		a := NewAggregator()
		a.Apply("srv-1", PresenceEvent{Kind: PresenceJoin, ObserverRef: "obs-1", Participants: []string{"p1"}})
		a.Apply("srv-1", PresenceEvent{Kind: PresenceJoin, ObserverRef: "obs-1", Participants: []string{"p1"}})
		a.Apply("srv-1", PresenceEvent{Kind: PresenceLeave, ObserverRef: "obs-1", Participants: []string{"p1"}})
		if a.IsOnline("srv-1", "p1") {
			t.Fatal("duplicate join left a phantom reference")
		}
	})
}

func TestAggregatorSync(t *testing.T) {
	t.Run("sync replaces one observer's contributions", func(t *testing.T) {
		a := NewAggregator()
		a.Apply("srv-1", PresenceEvent{Kind: PresenceJoin, ObserverRef: "obs-1", Participants: []string{"p1", "p2"}})
		a.Apply("srv-1", PresenceEvent{Kind: PresenceSync, ObserverRef: "obs-1", Participants: []string{"p2", "p3"}})

		got := a.Online("srv-1")
		if !equalIDs(got, []string{"p2", "p3"}) {
			t.Fatalf("online set after sync = %v", got)
		}
	})

	t.Run("sync leaves other observers alone", func(t *testing.T) {
		a := NewAggregator()
		a.Apply("srv-1", PresenceEvent{Kind: PresenceJoin, ObserverRef: "obs-1", Participants: []string{"p1"}})
		a.Apply("srv-1", PresenceEvent{Kind: PresenceSync, ObserverRef: "obs-2", Participants: []string{"p2"}})

		if !a.IsOnline("srv-1", "p1") {
			t.Fatal("sync from one observer dropped another observer's participant")
		}
	})
}

func TestAggregatorDomainIsolation(t *testing.T) {
	a := NewAggregator()
	a.Apply("srv-1", PresenceEvent{Kind: PresenceJoin, ObserverRef: "obs-1", Participants: []string{"p1"}})
	a.Apply("srv-2", PresenceEvent{Kind: PresenceLeave, ObserverRef: "obs-1", Participants: []string{"p1"}})

	if !a.IsOnline("srv-1", "p1") {
		t.Fatal("leave in one domain affected another domain")
	}
	if a.IsOnline("srv-2", "p1") {
		t.Fatal("p1 should not be online in srv-2")
	}
}

func TestAggregatorIgnoresBlankRefs(t *testing.T) {
	a := NewAggregator()
	a.Apply("srv-1", PresenceEvent{Kind: PresenceJoin, Participants: []string{"p1"}})
	if a.IsOnline("srv-1", "p1") {
		t.Fatal("event without observer ref should be ignored")
	}
}

func TestAggregatorReset(t *testing.T) {
	a := NewAggregator()
	a.Apply("srv-1", PresenceEvent{Kind: PresenceJoin, ObserverRef: "obs-1", Participants: []string{"p1"}})
	a.Reset()
	if len(a.Online("srv-1")) != 0 {
		t.Fatal("state survived reset")
	}
}
