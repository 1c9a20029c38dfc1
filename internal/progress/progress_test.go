package progress

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/taskgraph/runner/internal/scheduler"
)

func TestNonTTYAppendsOneLinePerChangedRow(t *testing.T) {
	var buf bytes.Buffer
	v := New(&buf, []string{"A", "B"})

	v.Render([]scheduler.RowState{
		{Index: 0, Name: "A", Status: scheduler.Waiting},
		{Index: 1, Name: "B", Status: scheduler.Waiting},
	})
	firstLen := buf.Len()
	if firstLen == 0 {
		t.Fatal("expected output for initial render")
	}

	// Re-rendering identical rows should not append anything new.
	v.Render([]scheduler.RowState{
		{Index: 0, Name: "A", Status: scheduler.Waiting},
		{Index: 1, Name: "B", Status: scheduler.Waiting},
	})
	if buf.Len() != firstLen {
		t.Fatalf("expected no new output for unchanged rows, grew from %d to %d", firstLen, buf.Len())
	}

	// A changed status should append a new line.
	v.Render([]scheduler.RowState{
		{Index: 0, Name: "A", Status: scheduler.Done, StartTime: time.Now(), AttemptsMade: 1, AttemptsLimit: 1},
		{Index: 1, Name: "B", Status: scheduler.Waiting},
	})
	if buf.Len() == firstLen {
		t.Fatalf("expected new output after a status change")
	}
	if !strings.Contains(buf.String(), "DONE") {
		t.Fatalf("expected DONE in output, got %q", buf.String())
	}
}

func TestCloseIsNoOpWithoutTTYSetup(t *testing.T) {
	var buf bytes.Buffer
	v := New(&buf, nil)
	v.Close()
	if buf.Len() != 0 {
		t.Fatalf("expected Close to be a no-op when cursor was never hidden, got %q", buf.String())
	}
}
