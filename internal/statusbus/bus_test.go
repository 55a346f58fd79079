package statusbus

import (
	"testing"

	"github.com/repolens-dev/repolens/internal/store"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("pf-1")
	defer cancel()

	other, cancelOther := b.Subscribe("pf-2")
	defer cancelOther()

	b.Publish(&store.JobStatus{PreflightID: "pf-1", Progress: 42})

	select {
	case st := <-ch:
		if st.Progress != 42 {
			t.Fatalf("progress wrong: %d", st.Progress)
		}
	default:
		t.Fatal("subscriber should receive the update")
	}
	select {
	case <-other:
		t.Fatal("update leaked to an unrelated preflight")
	default:
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe("pf-1")
	defer cancel()

	// Nobody drains the channel; publishing past the buffer must not hang.
	for i := 0; i < subscriberBufSize+10; i++ {
		b.Publish(&store.JobStatus{PreflightID: "pf-1", Progress: i})
	}
}

func TestCancelReleasesSubscription(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe("pf-1")
	cancel()

	b.Publish(&store.JobStatus{PreflightID: "pf-1"})
	select {
	case <-ch:
		t.Fatal("cancelled subscriber must not receive updates")
	default:
	}
}

func TestPublishNilIsNoop(t *testing.T) {
	b := New()
	_, cancel := b.Subscribe("pf-1")
	defer cancel()
	b.Publish(nil)
}

func TestJobEvents(t *testing.T) {
	b := New()
	ch, cancel := b.SubscribeJobs()
	defer cancel()

	b.PublishJob(JobEvent{JobID: "job-1", PreflightID: "pf-1", Tier: "security", Priority: 5})

	select {
	case ev := <-ch:
		if ev.JobID != "job-1" || ev.Tier != "security" {
			t.Fatalf("event wrong: %+v", ev)
		}
	default:
		t.Fatal("job subscriber should receive the enqueue signal")
	}

	cancel()
	b.PublishJob(JobEvent{JobID: "job-2"})
	select {
	case ev := <-ch:
		if ev.JobID == "job-2" {
			t.Fatal("cancelled job subscriber must not receive events")
		}
	default:
	}
}
