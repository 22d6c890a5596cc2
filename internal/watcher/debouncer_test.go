package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(path string, op Op) Event {
	return Event{Path: path, Op: op, Timestamp: time.Now()}
}

func collectBatch(t *testing.T, d *Debouncer) []Event {
	t.Helper()
	select {
	case batch := <-d.Output():
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("no batch emitted")
		return nil
	}
}

func TestDebouncer_EmitsAfterWindow(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(event("a.txt", OpModify))
	d.Add(event("b.txt", OpCreate))

	batch := collectBatch(t, d)
	assert.Len(t, batch, 2)
}

func TestDebouncer_CoalescesSamePath(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(event("a.txt", OpModify))
	d.Add(event("a.txt", OpModify))
	d.Add(event("a.txt", OpModify))

	batch := collectBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpModify, batch[0].Op)
}

func TestDebouncer_CreateThenModifyStaysCreate(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(event("a.txt", OpCreate))
	d.Add(event("a.txt", OpModify))

	batch := collectBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpCreate, batch[0].Op)
}

func TestDebouncer_CreateThenDeleteCancelsOut(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(event("a.txt", OpCreate))
	d.Add(event("a.txt", OpDelete))
	d.Add(event("b.txt", OpModify))

	batch := collectBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, "b.txt", batch[0].Path)
}

func TestDebouncer_DeleteThenCreateBecomesModify(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(event("a.txt", OpDelete))
	d.Add(event("a.txt", OpCreate))

	batch := collectBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpModify, batch[0].Op)
}

func TestDebouncer_ModifyThenDeleteBecomesDelete(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(event("a.txt", OpModify))
	d.Add(event("a.txt", OpDelete))

	batch := collectBatch(t, d)
	require.Len(t, batch, 1)
	assert.Equal(t, OpDelete, batch[0].Op)
}

func TestDebouncer_StopIsIdempotent(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	d.Stop()
	d.Stop()

	// Adds after stop are ignored
	d.Add(event("a.txt", OpModify))
	_, ok := <-d.Output()
	assert.False(t, ok)
}
