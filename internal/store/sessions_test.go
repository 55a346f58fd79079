package store

import (
	"encoding/json"
	"sync"
	"testing"
)

func TestAppendStepNumbersAreGapFree(t *testing.T) {
	st := tempStore(t)
	sess, err := st.CreateSession("audit the widgets repo", "user-1", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	const steps = 8
	var wg sync.WaitGroup
	for i := 0; i < steps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.AppendStep(sess.ID, "thinking", "fetch_github_file",
				json.RawMessage(`{"path":"main.go"}`), json.RawMessage(`{"success":true}`), 100)
			if err != nil {
				t.Errorf("append step: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := st.GetSteps(sess.ID)
	if err != nil {
		t.Fatalf("get steps: %v", err)
	}
	if len(got) != steps {
		t.Fatalf("want %d steps, got %d", steps, len(got))
	}
	for i, step := range got {
		if step.StepNumber != i+1 {
			t.Fatalf("step numbers must be 1..n with no gaps, got %d at index %d", step.StepNumber, i)
		}
	}

	updated, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if updated.TotalSteps != steps || updated.TotalTokens != steps*100 {
		t.Fatalf("session totals wrong: steps=%d tokens=%d", updated.TotalSteps, updated.TotalTokens)
	}
}

func TestSessionStatusTransitions(t *testing.T) {
	st := tempStore(t)
	sess, err := st.CreateSession("task", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != SessionActive {
		t.Fatalf("new session should be active, got %s", sess.Status)
	}

	if err := st.SetSessionStatus(sess.ID, SessionPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, err := st.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != SessionPaused {
		t.Fatalf("want paused, got %s", got.Status)
	}

	if err := st.SetSessionStatus("missing", SessionFailed); err != ErrNotFound {
		t.Fatalf("want ErrNotFound for missing session, got %v", err)
	}
}

func TestCheckpointUpsertAndLatest(t *testing.T) {
	st := tempStore(t)
	sess, err := st.CreateSession("task", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := st.GetLatestCheckpoint(sess.ID); err != ErrNotFound {
		t.Fatalf("want ErrNotFound before any checkpoint, got %v", err)
	}

	for step := 1; step <= 3; step++ {
		err := st.SaveCheckpoint(Checkpoint{
			SessionID:          sess.ID,
			StepNumber:         step,
			ContextSnapshot:    "snapshot",
			LastSuccessfulTool: "query_db",
			RecoveryStrategies: []string{"retry_with_corrected_input"},
		})
		if err != nil {
			t.Fatalf("save %d: %v", step, err)
		}
	}
	// Overwrite the latest step in place.
	if err := st.SaveCheckpoint(Checkpoint{
		SessionID:          sess.ID,
		StepNumber:         3,
		ContextSnapshot:    "revised snapshot",
		LastSuccessfulTool: "save_audit_results",
		RecoveryStrategies: []string{"alternative_tool"},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	cp, err := st.GetLatestCheckpoint(sess.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if cp.StepNumber != 3 || cp.ContextSnapshot != "revised snapshot" || cp.LastSuccessfulTool != "save_audit_results" {
		t.Fatalf("latest checkpoint wrong: %+v", cp)
	}
	if len(cp.RecoveryStrategies) != 1 || cp.RecoveryStrategies[0] != "alternative_tool" {
		t.Fatalf("recovery strategies wrong: %v", cp.RecoveryStrategies)
	}
}
