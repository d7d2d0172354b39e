package recorder

import (
	"bufio"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Matthue7/q-sensor-engine/internal/model"
	"github.com/Matthue7/q-sensor-engine/internal/ringbuffer"
)

func sampleReading(sensorID string, v float64, ts time.Time) model.Reading {
	temp := 22.5
	return model.Reading{
		Timestamp: ts,
		SensorID:  sensorID,
		Mode:      model.ModeFreerun,
		Value:     v,
		TempC:     &temp,
		Vin:       nil,
	}
}

func TestStartRejectsNonAcquisitionState(t *testing.T) {
	r := New(nil)
	buf := ringbuffer.New(10)
	_, err := r.Start(buf, model.ConfigMenu, t.TempDir(), StartOpts{})
	var invalid *model.InvalidStateError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want *InvalidStateError", err)
	}
}

func TestRotationProducesHashedChunksNoDuplication(t *testing.T) {
	buf := ringbuffer.New(1000)
	root := t.TempDir()

	r := New(nil)
	desc, err := r.Start(buf, model.AcqFreerun, root, StartOpts{
		Mission:       "smoke-test",
		SchemaVersion: "1",
		RollIntervalS: 0.3,
		PollIntervalS: 0.05,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	base := time.Now().UTC()
	for i := 0; i < 20; i++ {
		buf.Append(sampleReading("SIM001", float64(i), base.Add(time.Duration(i)*10*time.Millisecond)))
		time.Sleep(20 * time.Millisecond)
	}

	final, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if final.SessionID != desc.SessionID {
		t.Fatalf("session id changed: %s vs %s", final.SessionID, desc.SessionID)
	}
	if final.StoppedAt == nil {
		t.Fatal("StoppedAt not set after Stop")
	}
	if len(final.Chunks) == 0 {
		t.Fatal("expected at least one finalized chunk")
	}

	sessionDir := filepath.Join(root, desc.SessionID)
	totalRows := 0
	seenValues := map[string]bool{}
	for _, chunk := range final.Chunks {
		path := filepath.Join(sessionDir, chunk.Name)

		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open chunk %s: %v", chunk.Name, err)
		}
		h := sha256.New()
		if _, err := io.Copy(h, f); err != nil {
			t.Fatalf("hash chunk: %v", err)
		}
		f.Close()
		if got := hex.EncodeToString(h.Sum(nil)); got != chunk.SHA256Hex {
			t.Errorf("chunk %s hash mismatch: manifest=%s actual=%s", chunk.Name, chunk.SHA256Hex, got)
		}

		f, err = os.Open(path)
		if err != nil {
			t.Fatalf("reopen chunk: %v", err)
		}
		rows, err := csv.NewReader(bufio.NewReader(f)).ReadAll()
		f.Close()
		if err != nil {
			t.Fatalf("parse chunk csv: %v", err)
		}
		if len(rows) == 0 {
			t.Fatalf("chunk %s has no header row", chunk.Name)
		}
		for _, row := range rows[1:] {
			val := row[3]
			if seenValues[val] {
				t.Errorf("value %s appeared in more than one chunk", val)
			}
			seenValues[val] = true
			totalRows++
		}
		if totalRows > 0 && chunk.RowCount != len(rows)-1 {
			t.Errorf("chunk %s RowCount=%d, actual data rows=%d", chunk.Name, chunk.RowCount, len(rows)-1)
		}

		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Errorf("leftover tmp file for chunk %s", chunk.Name)
		}
	}
	if totalRows != 20 {
		t.Errorf("total rows across chunks = %d, want 20", totalRows)
	}

	manifestPath := filepath.Join(sessionDir, manifestName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var onDisk model.SessionDescriptor
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("unmarshal manifest: %v", err)
	}
	if onDisk.SessionID != desc.SessionID || len(onDisk.Chunks) != len(final.Chunks) {
		t.Errorf("on-disk manifest does not match returned descriptor")
	}
}

func TestStatusReportsRunningAndChunkCount(t *testing.T) {
	buf := ringbuffer.New(100)
	root := t.TempDir()
	r := New(nil)

	if _, err := r.Start(buf, model.AcqFreerun, root, StartOpts{RollIntervalS: 60, PollIntervalS: 0.05}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	buf.Append(sampleReading("SIM001", 1.0, time.Now().UTC()))
	time.Sleep(150 * time.Millisecond)

	st := r.Status()
	if !st.Running {
		t.Error("Status().Running = false, want true")
	}
	if st.Rows == 0 {
		t.Error("Status().Rows = 0, want at least 1 after a drain cycle")
	}

	if _, err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st = r.Status()
	if st.Running {
		t.Error("Status().Running = true after Stop")
	}
}

func TestSnapshotsReturnsFinalizedChunksOnly(t *testing.T) {
	buf := ringbuffer.New(100)
	root := t.TempDir()
	r := New(nil)

	if _, err := r.Start(buf, model.AcqFreerun, root, StartOpts{RollIntervalS: 60, PollIntervalS: 0.05}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.Snapshots(); len(got) != 0 {
		t.Fatalf("Snapshots() before any rotation = %d, want 0", len(got))
	}

	buf.Append(sampleReading("SIM001", 1.0, time.Now().UTC()))
	time.Sleep(150 * time.Millisecond)

	final, err := r.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(final.Chunks) != 1 {
		t.Fatalf("expected exactly one chunk finalized at Stop, got %d", len(final.Chunks))
	}
	if got := r.Snapshots(); len(got) != 1 {
		t.Fatalf("Snapshots() after Stop = %d, want 1", len(got))
	}
}
