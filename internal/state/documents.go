package state

import (
	"sort"
	"time"
)

// SegmentRef ties one produced segment file to its content address.
type SegmentRef struct {
	Filename string `json:"filename"`
	CID      string `json:"cid"`
}

// Track is one processed source file and its ordered segments.
type Track struct {
	Filename     string       `json:"filename"`
	Type         string       `json:"type"` // track or jingle
	BaseName     string       `json:"base_name"`
	SegmentCount int          `json:"segment_count"`
	Segments     []SegmentRef `json:"segments"`
	OutputDir    string       `json:"output_dir"` // relative to the processed dir
}

// Manifest records one complete setup run. Regenerated only when the
// transcoding-relevant configuration changes.
type Manifest struct {
	ConfigHash    string         `json:"config_hash"`
	Timestamp     int64          `json:"timestamp"` // unix seconds
	Tracks        []Track        `json:"tracks"`
	Jingles       []Track        `json:"jingles"`
	AudioConfig   map[string]any `json:"audio_config"`
	JinglesConfig map[string]any `json:"jingles_config"`
}

// SequenceState is the streamer's persistent MEDIA-SEQUENCE counter. The
// counter is never reduced modulo the playlist length on disk; monotonicity
// must survive manifest regeneration.
type SequenceState struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp string `json:"timestamp,omitempty"` // RFC3339, informational
}

// StreamInfo is written after each successful publish for external observers.
type StreamInfo struct {
	StreamPlaylistIPNS string `json:"stream_playlist_ipns"`
	StreamPlaylistURL  string `json:"stream_playlist_url"`
	SequenceNumber     uint64 `json:"sequence_number"`
	PlaylistPosition   uint64 `json:"playlist_position"`
	UpdatedAt          string `json:"updated_at"` // RFC3339
	NodeID             string `json:"node_id"`
}

// Position is the gossip payload nodes exchange to agree on playback position,
// and the schema of current_position.json.
type Position struct {
	NodeID    string `json:"node_id"`
	Position  uint64 `json:"position"`
	Track     string `json:"track"`
	Timestamp int64  `json:"timestamp"` // unix seconds at the originating node
}

// SegmentRecord describes one live-captured segment that has been uploaded.
type SegmentRecord struct {
	CID       string `json:"cid"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	Size      int64  `json:"size"`
	NodeID    string `json:"node_id"`
}

// SegmentIndex maps quality bucket -> segment filename -> record. Ordering
// within a bucket is by Timestamp; use SortedFilenames when order matters.
type SegmentIndex map[string]map[string]SegmentRecord

// SortedFilenames returns a bucket's filenames ordered oldest first.
func (idx SegmentIndex) SortedFilenames(quality string) []string {
	bucket := idx[quality]
	names := make([]string, 0, len(bucket))
	for name := range bucket {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := bucket[names[i]], bucket[names[j]]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return names[i] < names[j]
	})
	return names
}

// Add records a segment in its quality bucket and evicts the oldest entries
// beyond maxSegments. It returns the evicted records keyed by filename.
func (idx SegmentIndex) Add(quality, filename string, rec SegmentRecord, maxSegments int) map[string]SegmentRecord {
	bucket := idx[quality]
	if bucket == nil {
		bucket = make(map[string]SegmentRecord)
		idx[quality] = bucket
	}
	bucket[filename] = rec

	if maxSegments < 1 || len(bucket) <= maxSegments {
		return nil
	}
	evicted := make(map[string]SegmentRecord)
	for _, name := range idx.SortedFilenames(quality)[:len(bucket)-maxSegments] {
		evicted[name] = bucket[name]
		delete(bucket, name)
	}
	return evicted
}

// LoadSequence returns the persisted sequence counter, or zero when no state
// has been written yet.
func (s *Store) LoadSequence() (SequenceState, error) {
	var seq SequenceState
	if _, err := s.ReadJSON(SequenceFile, &seq); err != nil {
		return SequenceState{}, err
	}
	return seq, nil
}

// SaveSequence persists the sequence counter. The streamer advances only
// after this succeeds.
func (s *Store) SaveSequence(sequence uint64) error {
	return s.WriteJSON(SequenceFile, SequenceState{
		Sequence:  sequence,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// LoadKeys returns the node's name-to-key-id map, empty when absent.
func (s *Store) LoadKeys() (map[string]string, error) {
	keys := make(map[string]string)
	if _, err := s.ReadJSON(KeysFile, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// SaveKeys persists the name-to-key-id map.
func (s *Store) SaveKeys(keys map[string]string) error {
	return s.WriteJSON(KeysFile, keys)
}

// LoadManifest returns the manifest, or nil when no setup run has completed.
func (s *Store) LoadManifest() (*Manifest, error) {
	var m Manifest
	ok, err := s.ReadJSON(ManifestFile, &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

// SaveManifest persists the manifest.
func (s *Store) SaveManifest(m *Manifest) error {
	return s.WriteJSON(ManifestFile, m)
}

// SaveStreamInfo persists the post-publish observer document.
func (s *Store) SaveStreamInfo(info StreamInfo) error {
	return s.WriteJSON(StreamInfoFile, info)
}

// LoadPosition returns the last adopted peer position, or nil when absent.
func (s *Store) LoadPosition() (*Position, error) {
	var p Position
	ok, err := s.ReadJSON(CurrentPositionFile, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// SavePosition persists the adopted peer position.
func (s *Store) SavePosition(p Position) error {
	return s.WriteJSON(CurrentPositionFile, p)
}

// LoadSegments returns the live-capture segment index, empty when absent.
func (s *Store) LoadSegments() (SegmentIndex, error) {
	idx := make(SegmentIndex)
	if _, err := s.ReadJSON(SegmentsFile, &idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// SaveSegments persists the live-capture segment index.
func (s *Store) SaveSegments(idx SegmentIndex) error {
	return s.WriteJSON(SegmentsFile, idx)
}
