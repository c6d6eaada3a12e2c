package document

import (
	"fmt"

	"github.com/automerge/automerge-go"
)

// The project payload is stored as structured CRDT fields: one automerge key
// per top-level field. Concurrent edits to different fields merge cleanly;
// edits inside one field (e.g. two clips in the clips list) resolve
// last-writer-wins at that key.
const (
	keyName     = "name"
	keyLayers   = "layers"
	keyClips    = "clips"
	keySettings = "settings"
	keyMeta     = "_meta"
)

// Clip is one media clip on the timeline.
type Clip struct {
	ID       string  `json:"id"`
	LayerID  string  `json:"layerId"`
	Name     string  `json:"name"`
	AssetURL string  `json:"assetUrl"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// Layer is a timeline track holding clips.
type Layer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Kind  string `json:"kind"` // "video" | "audio" | "text"
	Index int64  `json:"index"`
}

// Meta is the document's embedded sync record.
type Meta struct {
	BranchID     string `json:"branchId"`
	CommitID     string `json:"commitId"`
	LastSyncedAt int64  `json:"lastSyncedAt"` // ms since epoch
}

// Project is the flattened read-only projection of a document, what the
// rendering engine and the UI consume.
type Project struct {
	Name     string         `json:"name"`
	Layers   []Layer        `json:"layers"`
	Clips    []Clip         `json:"clips"`
	Settings map[string]any `json:"settings"`
	Meta     Meta           `json:"meta"`
}

// Name returns the project name.
func (d *Doc) Name() (string, error) {
	v, err := d.am.Path(keyName).Get()
	if err != nil {
		return "", fmt.Errorf("read name: %w", err)
	}
	if v.Kind() == automerge.KindVoid {
		return "", nil
	}
	return automerge.As[string](v)
}

// SetName sets the project name.
func (d *Doc) SetName(name string) error {
	return d.am.Path(keyName).Set(name)
}

// Clips returns the timeline clips.
func (d *Doc) Clips() ([]Clip, error) {
	maps, err := d.readMapList(keyClips)
	if err != nil {
		return nil, err
	}
	clips := make([]Clip, 0, len(maps))
	for _, m := range maps {
		clips = append(clips, Clip{
			ID:       asString(m, "id"),
			LayerID:  asString(m, "layerId"),
			Name:     asString(m, "name"),
			AssetURL: asString(m, "assetUrl"),
			Start:    asFloat(m, "start"),
			Duration: asFloat(m, "duration"),
		})
	}
	return clips, nil
}

// SetClips replaces the timeline clips wholesale.
func (d *Doc) SetClips(clips []Clip) error {
	out := make([]map[string]any, 0, len(clips))
	for _, c := range clips {
		out = append(out, map[string]any{
			"id":       c.ID,
			"layerId":  c.LayerID,
			"name":     c.Name,
			"assetUrl": c.AssetURL,
			"start":    c.Start,
			"duration": c.Duration,
		})
	}
	return d.am.Path(keyClips).Set(out)
}

// AddClip appends a clip to the timeline.
func (d *Doc) AddClip(c Clip) error {
	clips, err := d.Clips()
	if err != nil {
		return err
	}
	return d.SetClips(append(clips, c))
}

// RemoveClip deletes the clip with the given id; unknown ids are a no-op.
func (d *Doc) RemoveClip(id string) error {
	clips, err := d.Clips()
	if err != nil {
		return err
	}
	kept := clips[:0]
	for _, c := range clips {
		if c.ID != id {
			kept = append(kept, c)
		}
	}
	if len(kept) == len(clips) {
		return nil
	}
	return d.SetClips(kept)
}

// Layers returns the timeline layers.
func (d *Doc) Layers() ([]Layer, error) {
	maps, err := d.readMapList(keyLayers)
	if err != nil {
		return nil, err
	}
	layers := make([]Layer, 0, len(maps))
	for _, m := range maps {
		layers = append(layers, Layer{
			ID:    asString(m, "id"),
			Name:  asString(m, "name"),
			Kind:  asString(m, "kind"),
			Index: asInt(m, "index"),
		})
	}
	return layers, nil
}

// SetLayers replaces the timeline layers wholesale.
func (d *Doc) SetLayers(layers []Layer) error {
	out := make([]map[string]any, 0, len(layers))
	for _, l := range layers {
		out = append(out, map[string]any{
			"id":    l.ID,
			"name":  l.Name,
			"kind":  l.Kind,
			"index": l.Index,
		})
	}
	return d.am.Path(keyLayers).Set(out)
}

// Settings returns the project settings map (resolution, fps, export
// presets and the like). Nil when never set.
func (d *Doc) Settings() (map[string]any, error) {
	v, err := d.am.Path(keySettings).Get()
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if v.Kind() == automerge.KindVoid {
		return nil, nil
	}
	return automerge.As[map[string]any](v)
}

// SetSetting writes one settings key.
func (d *Doc) SetSetting(key string, value any) error {
	return d.am.Path(keySettings, key).Set(value)
}

// Meta returns the embedded sync record.
func (d *Doc) Meta() (Meta, error) {
	v, err := d.am.Path(keyMeta).Get()
	if err != nil {
		return Meta{}, fmt.Errorf("read meta: %w", err)
	}
	if v.Kind() == automerge.KindVoid {
		return Meta{}, nil
	}
	m, err := automerge.As[map[string]any](v)
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		BranchID:     asString(m, "branchId"),
		CommitID:     asString(m, "commitId"),
		LastSyncedAt: asInt(m, "lastSyncedAt"),
	}, nil
}

// SetMeta replaces the embedded sync record.
func (d *Doc) SetMeta(m Meta) error {
	return d.am.Path(keyMeta).Set(map[string]any{
		"branchId":     m.BranchID,
		"commitId":     m.CommitID,
		"lastSyncedAt": m.LastSyncedAt,
	})
}

// Project returns the flattened projection of the whole document.
func (d *Doc) Project() (*Project, error) {
	name, err := d.Name()
	if err != nil {
		return nil, err
	}
	layers, err := d.Layers()
	if err != nil {
		return nil, err
	}
	clips, err := d.Clips()
	if err != nil {
		return nil, err
	}
	settings, err := d.Settings()
	if err != nil {
		return nil, err
	}
	meta, err := d.Meta()
	if err != nil {
		return nil, err
	}
	return &Project{
		Name:     name,
		Layers:   layers,
		Clips:    clips,
		Settings: settings,
		Meta:     meta,
	}, nil
}

func (d *Doc) readMapList(key string) ([]map[string]any, error) {
	v, err := d.am.Path(key).Get()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if v.Kind() == automerge.KindVoid {
		return nil, nil
	}
	return automerge.As[[]map[string]any](v)
}

func asString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func asFloat(m map[string]any, key string) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func asInt(m map[string]any, key string) int64 {
	switch n := m[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
