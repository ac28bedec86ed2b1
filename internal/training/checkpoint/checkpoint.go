// Package checkpoint persists the run state and the replay memory in one
// Parquet file.
//
// Rows are the memory rows. The run state, the episode statistics and
// the memory layout are kept in the footer as YAML key-value metadata. Files are written to a
// temporary name, fsynced and renamed into place, so a crash leaves
// either the previous checkpoint or the new one.
package checkpoint

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ashwin2k/tmrl-rnn/config"
	"github.com/ashwin2k/tmrl-rnn/internal/errors"
	"github.com/ashwin2k/tmrl-rnn/internal/logging"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/memory"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/parquet"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/stats"
	"github.com/ashwin2k/tmrl-rnn/internal/storage/stream"
)

// Footer metadata keys.
const (
	KeyState      = "tmrl.state"
	KeyLayout     = "tmrl.layout"
	KeyFirstIndex = "tmrl.first_index"
)

const writeChunk = 4096

// State is the durable run state besides the memory rows.
type State struct {
	RunID        string `yaml:"run_id"`
	Epoch        int    `yaml:"epoch"`
	TotalSamples int64  `yaml:"total_samples"`
	TotalUpdates int64  `yaml:"total_updates"`
	ModelWeights []byte `yaml:"-"`
	// WALSequence is the first WAL segment not covered by this checkpoint.
	WALSequence int64 `yaml:"wal_sequence"`
	Seed        int64 `yaml:"seed"`
}

type stateDoc struct {
	State    `yaml:",inline"`
	Weights  string              `yaml:"model_weights"`
	Episodes stats.EpisodesState `yaml:"episodes"`
}

// Layout identifies the memory shape a checkpoint was written with.
type Layout struct {
	Variant   string `yaml:"variant"`
	ImgsObs   int    `yaml:"imgs_obs"`
	ActBufLen int    `yaml:"act_buf_len"`
	TrajLen   int    `yaml:"traj_len"`
	ActionDim int    `yaml:"action_dim"`
}

// LayoutOf returns the layout of a memory.
func LayoutOf(mem *memory.Memory, actionDim int) Layout {
	opts := mem.Options()
	return Layout{
		Variant:   opts.Variant.String(),
		ImgsObs:   opts.Layout.ImgsObs,
		ActBufLen: opts.Layout.ActBufLen,
		TrajLen:   opts.Layout.TrajLen,
		ActionDim: actionDim,
	}
}

// compatible ignores ActionDim when either side has no rows yet.
func (l Layout) compatible(o Layout) bool {
	if l.ActionDim != 0 && o.ActionDim != 0 && l.ActionDim != o.ActionDim {
		return false
	}
	l.ActionDim, o.ActionDim = 0, 0
	return l == o
}

// Save writes state and memory to path atomically.
func Save(path string, st State, mem *memory.Memory, opts parquet.Options) error {
	snap, err := mem.Snapshot()
	if err != nil {
		return errors.Wrap(err, "snapshot memory")
	}

	doc := stateDoc{
		State:    st,
		Weights:  base64.StdEncoding.EncodeToString(st.ModelWeights),
		Episodes: mem.Episodes().State(),
	}
	stateYAML, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	layoutYAML, err := yaml.Marshal(LayoutOf(mem, snap.ActionDim))
	if err != nil {
		return fmt.Errorf("encode layout: %w", err)
	}

	meta := map[string]string{
		KeyState:      string(stateYAML),
		KeyLayout:     string(layoutYAML),
		KeyFirstIndex: fmt.Sprint(snap.FirstIndex),
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	tmp := path + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, config.CheckpointFileMode)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}

	if err := writeRows(f, snap, opts, meta); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	syncDir(dir)

	logging.Component("checkpoint").Info("checkpoint saved",
		"path", path,
		"epoch", st.Epoch,
		"rows", len(snap.Rows),
		"total_samples", st.TotalSamples,
		"total_updates", st.TotalUpdates)
	return nil
}

func writeRows(f *os.File, snap memory.Snapshot, opts parquet.Options, meta map[string]string) error {
	w := parquet.NewMemoryWriter(f, opts, meta)

	chunk := make([]parquet.MemoryRow, 0, min(writeChunk, len(snap.Rows)))
	for i, r := range snap.Rows {
		row, err := parquet.FromStream(snap.FirstIndex+int64(i), r)
		if err != nil {
			return err
		}
		chunk = append(chunk, row)
		if len(chunk) == cap(chunk) {
			if err := w.Write(chunk); err != nil {
				return err
			}
			chunk = chunk[:0]
		}
	}
	if err := w.Write(chunk); err != nil {
		return err
	}
	return w.Close()
}

// syncDir makes the rename durable. Errors are ignored: not every
// filesystem supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

// Load reads a checkpoint into mem and returns the run state. Any
// problem with the file is reported as errors.ErrCheckpointCorrupt, a
// memory layout that differs from mem as errors.ErrLayoutMismatch.
func Load(path string, mem *memory.Memory) (State, error) {
	f, err := parquet.Open(path)
	if err != nil {
		return State{}, corrupt(path, err)
	}
	defer f.Close()

	doc, layout, err := readHeader(f)
	if err != nil {
		return State{}, corrupt(path, err)
	}
	st := doc.State

	if want := LayoutOf(mem, 0); !layout.compatible(want) {
		return State{}, fmt.Errorf("checkpoint %s has %+v, memory has %+v: %w",
			path, layout, want, errors.ErrLayoutMismatch)
	}

	var first int64
	rawFirst, ok := f.Lookup(KeyFirstIndex)
	if !ok {
		return State{}, corrupt(path, fmt.Errorf("missing %s", KeyFirstIndex))
	}
	if _, err := fmt.Sscan(rawFirst, &first); err != nil {
		return State{}, corrupt(path, fmt.Errorf("%s: %w", KeyFirstIndex, err))
	}

	rows, err := f.ReadAll()
	if err != nil {
		return State{}, corrupt(path, err)
	}

	snap := memory.Snapshot{
		FirstIndex: first,
		Rows:       make([]stream.Row, len(rows)),
		ActionDim:  layout.ActionDim,
	}
	for i, r := range rows {
		if r.Index != first+int64(i) {
			return State{}, corrupt(path, fmt.Errorf("row %d has index %d, want %d", i, r.Index, first+int64(i)))
		}
		if snap.Rows[i], err = r.Stream(); err != nil {
			return State{}, corrupt(path, err)
		}
	}

	if err := mem.Restore(snap); err != nil {
		return State{}, err
	}
	if err := mem.Episodes().Restore(doc.Episodes); err != nil {
		return State{}, corrupt(path, err)
	}

	logging.Component("checkpoint").Info("checkpoint loaded",
		"path", path,
		"epoch", st.Epoch,
		"rows", len(rows),
		"total_samples", st.TotalSamples,
		"total_updates", st.TotalUpdates,
		"train_episodes", doc.Episodes.TrainReturn.Count)
	return st, nil
}

// Header returns the run state and layout of a checkpoint without
// reading its rows.
func Header(path string) (State, Layout, error) {
	f, err := parquet.Open(path)
	if err != nil {
		return State{}, Layout{}, corrupt(path, err)
	}
	defer f.Close()

	doc, layout, err := readHeader(f)
	if err != nil {
		return State{}, Layout{}, corrupt(path, err)
	}
	return doc.State, layout, nil
}

func readHeader(f *parquet.File) (stateDoc, Layout, error) {
	var doc stateDoc
	if err := lookupYAML(f, KeyState, &doc); err != nil {
		return stateDoc{}, Layout{}, err
	}
	var layout Layout
	if err := lookupYAML(f, KeyLayout, &layout); err != nil {
		return stateDoc{}, Layout{}, err
	}

	weights, err := base64.StdEncoding.DecodeString(doc.Weights)
	if err != nil {
		return stateDoc{}, Layout{}, fmt.Errorf("model weights: %w", err)
	}
	doc.State.ModelWeights = weights
	return doc, layout, nil
}

func lookupYAML(f *parquet.File, key string, out any) error {
	raw, ok := f.Lookup(key)
	if !ok {
		return fmt.Errorf("missing %s", key)
	}
	if err := yaml.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func corrupt(path string, err error) error {
	return fmt.Errorf("checkpoint %s: %v: %w", path, err, errors.ErrCheckpointCorrupt)
}

// Exists reports whether a checkpoint file exists at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// TempPath returns a fresh checkpoint path in dir that is removed on
// clean exit.
func TempPath(dir string) string {
	return filepath.Join(dir, "checkpoint-"+uuid.NewString()+config.RemoveOnExitSuffix)
}

// IsTemporary reports whether path is removed on clean exit.
func IsTemporary(path string) bool {
	return strings.HasSuffix(path, config.RemoveOnExitSuffix)
}

// Remove deletes a checkpoint. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
