package memory

import (
	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/stream"
)

// Snapshot is the row content of a memory, self-contained: disk-backed
// frames carry their pixels.
type Snapshot struct {
	FirstIndex int64
	Rows       []stream.Row
	ActionDim  int
}

// Snapshot copies the live rows for checkpointing.
func (m *Memory) Snapshot() (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		FirstIndex: m.store.NextIndex(),
		Rows:       make([]stream.Row, 0, m.store.RowCount()),
		ActionDim:  m.actionDim,
	}
	if first, ok := m.store.FirstIndex(); ok {
		snap.FirstIndex = first
	}

	for idx, row := range m.store.All() {
		if m.opts.Variant.DiskFrames() {
			pixels, err := m.opts.Frames.Get(idx)
			if err != nil {
				return Snapshot{}, errors.Wrapf(err, "snapshot row %d", idx)
			}
			row.Frame.Pixels = pixels
		}
		snap.Rows = append(snap.Rows, row)
	}
	return snap, nil
}

// Restore replaces the memory content with a snapshot. Frames of
// disk-backed variants are written back to the frame store, so blobs
// collected since the snapshot was taken are recreated. Rows beyond
// MemorySize are trimmed as on append.
func (m *Memory) Restore(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := make([]stream.Row, len(snap.Rows))
	copy(rows, snap.Rows)

	if m.opts.Variant.DiskFrames() {
		for i := range rows {
			idx := snap.FirstIndex + int64(i)
			if err := m.opts.Frames.Put(idx, rows[i].Frame.Pixels); err != nil {
				return errors.Wrapf(err, "restore frame %d", idx)
			}
			rows[i].Frame.Pixels = nil
		}
	}

	if err := m.store.Restore(snap.FirstIndex, rows); err != nil {
		return errors.Wrap(errors.ErrCheckpointCorrupt, err.Error())
	}
	m.actionDim = snap.ActionDim

	if _, err := m.trimLocked(); err != nil {
		return err
	}

	m.logger.Info("restored memory",
		"rows", m.store.RowCount(),
		"first_index", snap.FirstIndex,
		"usable", m.extract.Len())
	return nil
}

// Clear drops every row. The index counter keeps running.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store.Reset(m.store.NextIndex())
}
