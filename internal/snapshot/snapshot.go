// Package snapshot persists the engine's durable state between runs:
// residual positions, signal anchors, threshold samples, last-known
// greeks and the backfill watermark. The encoding is plain JSON; a
// corrupt or missing snapshot yields an empty state, never an error the
// caller has to distinguish.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"optflow/logger"
	"optflow/models"
)

// SampleCap bounds how many threshold samples a snapshot carries.
const SampleCap = 1000

type State struct {
	Ts                int64               `json:"ts"`
	ResidualQty       map[string]float64  `json:"residualQty"`
	ResidualDVol      map[string]float64  `json:"residualDVol"`
	ResidualSignedQty map[string]float64  `json:"residualSignedQty"`
	ResidualLastTs    map[string]int64    `json:"residualLastTs"`
	ResidualTrades    map[string]int      `json:"residualTrades"`
	ResidualInsts     map[string][]string `json:"residualInsts"`
	SignalAnchorTs    map[string]int64    `json:"signalAnchorTs"`
	AmtSamples        []models.AmtSample  `json:"amtSamples"`
	LastIV            map[string]float64  `json:"lastIV"`
	LastDelta         map[string]float64  `json:"lastDelta"`
	WatermarkMs       int64               `json:"watermark,omitempty"`
}

func emptyState() *State {
	return &State{
		ResidualQty:       make(map[string]float64),
		ResidualDVol:      make(map[string]float64),
		ResidualSignedQty: make(map[string]float64),
		ResidualLastTs:    make(map[string]int64),
		ResidualTrades:    make(map[string]int),
		ResidualInsts:     make(map[string][]string),
		SignalAnchorTs:    make(map[string]int64),
		LastIV:            make(map[string]float64),
		LastDelta:         make(map[string]float64),
	}
}

// Capture flattens the live maps into the wire shape.
func Capture(ts int64,
	positions map[models.ClusterKey]*models.ResidualPosition,
	anchors map[models.ClusterKey]int64,
	samples []models.AmtSample,
	lastIV, lastDelta map[string]float64,
	watermarkMs int64,
) *State {
	s := emptyState()
	s.Ts = ts
	s.WatermarkMs = watermarkMs
	for key, pos := range positions {
		k := key.String()
		s.ResidualQty[k] = pos.Qty
		s.ResidualSignedQty[k] = pos.SignedQty
		s.ResidualDVol[k] = pos.DeltaWeightedVol
		s.ResidualLastTs[k] = pos.LastTradeTs
		s.ResidualTrades[k] = pos.TradeCount
		insts := make([]string, 0, len(pos.Instruments))
		for inst := range pos.Instruments {
			insts = append(insts, inst)
		}
		s.ResidualInsts[k] = insts
	}
	for key, ts := range anchors {
		s.SignalAnchorTs[key.String()] = ts
	}
	if len(samples) > SampleCap {
		samples = samples[len(samples)-SampleCap:]
	}
	s.AmtSamples = append(s.AmtSamples, samples...)
	for inst, v := range lastIV {
		s.LastIV[inst] = v
	}
	for inst, v := range lastDelta {
		s.LastDelta[inst] = v
	}
	return s
}

// Residuals rebuilds the typed maps. Entries whose key no longer parses
// are skipped, not fatal.
func (s *State) Residuals() (map[models.ClusterKey]*models.ResidualPosition, map[models.ClusterKey]int64) {
	positions := make(map[models.ClusterKey]*models.ResidualPosition, len(s.ResidualQty))
	for k, qty := range s.ResidualQty {
		key, ok := models.ParseClusterKey(k)
		if !ok {
			continue
		}
		pos := &models.ResidualPosition{
			Qty:              qty,
			SignedQty:        s.ResidualSignedQty[k],
			DeltaWeightedVol: s.ResidualDVol[k],
			LastTradeTs:      s.ResidualLastTs[k],
			TradeCount:       s.ResidualTrades[k],
			Instruments:      make(map[string]struct{}),
		}
		for _, inst := range s.ResidualInsts[k] {
			pos.Instruments[inst] = struct{}{}
		}
		positions[key] = pos
	}
	anchors := make(map[models.ClusterKey]int64, len(s.SignalAnchorTs))
	for k, ts := range s.SignalAnchorTs {
		if key, ok := models.ParseClusterKey(k); ok {
			anchors[key] = ts
		}
	}
	return positions, anchors
}

func Encode(s *State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// Decode never fails: anything unreadable becomes an empty state so the
// engine starts cold instead of crashing on a damaged file.
func Decode(data []byte) *State {
	s := emptyState()
	if len(data) == 0 {
		return s
	}
	if err := json.Unmarshal(data, s); err != nil {
		logger.GetLogger().WithComponent("snapshot").WithError(err).
			Warn("snapshot unreadable, starting from empty state")
		return emptyState()
	}
	if s.ResidualQty == nil {
		return emptyState()
	}
	return s
}

// Store is where encoded snapshots live.
type Store interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
}

// FileStore keeps the snapshot on local disk, written atomically via a
// temp file rename.
type FileStore struct {
	Path string
	log  *logger.Entry
}

func NewFileStore(path string) *FileStore {
	return &FileStore{
		Path: path,
		log:  logger.GetLogger().WithComponent("snapshot_file"),
	}
}

func (f *FileStore) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	f.log.WithFields(logger.Fields{"path": f.Path, "bytes": len(data)}).Debug("snapshot saved")
	return nil
}

func (f *FileStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}
