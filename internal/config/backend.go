package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the path to the canonical backend defaults file.
// This is the single source of truth for all default backend values.
const DefaultConfigPath = "config/backend.defaults.json"

// BackendConfig is the root configuration of the scene-graph backend.
// Every field is optional; the Get* accessors supply the defaults for
// fields that are not set, so partial files are safe.
type BackendConfig struct {
	EnableRooms           *bool     `json:"enable_rooms,omitempty" yaml:"enable_rooms,omitempty"`
	EnableBuildings       *bool     `json:"enable_buildings,omitempty" yaml:"enable_buildings,omitempty"`
	BuildingSemanticLabel *uint32   `json:"building_semantic_label,omitempty" yaml:"building_semantic_label,omitempty"`
	BuildingColor         *[3]uint8 `json:"building_color,omitempty" yaml:"building_color,omitempty"`

	AddPlacesToDeformationGraph *bool `json:"add_places_to_deformation_graph,omitempty" yaml:"add_places_to_deformation_graph,omitempty"`
	OptimizeOnLC                *bool `json:"optimize_on_lc,omitempty" yaml:"optimize_on_lc,omitempty"`

	// Merge params
	EnableNodeMerging             *bool           `json:"enable_node_merging,omitempty" yaml:"enable_node_merging,omitempty"`
	MergeUpdateMap                map[string]bool `json:"merge_update_map,omitempty" yaml:"merge_update_map,omitempty"`
	MergeUpdateDynamic            *bool           `json:"merge_update_dynamic,omitempty" yaml:"merge_update_dynamic,omitempty"`
	PlacesMergePosThresholdM      *float64        `json:"places_merge_pos_threshold_m,omitempty" yaml:"places_merge_pos_threshold_m,omitempty"`
	PlacesMergeDistanceToleranceM *float64        `json:"places_merge_distance_tolerance_m,omitempty" yaml:"places_merge_distance_tolerance_m,omitempty"`
	PlacesMergeNeighbors          *int            `json:"places_merge_neighbors,omitempty" yaml:"places_merge_neighbors,omitempty"`
	EnableMergeUndos              *bool           `json:"enable_merge_undos,omitempty" yaml:"enable_merge_undos,omitempty"`
	UseActiveFlagForUpdates       *bool           `json:"use_active_flag_for_updates,omitempty" yaml:"use_active_flag_for_updates,omitempty"`

	// Key prefixes, single characters
	RobotPrefix  *string `json:"robot_prefix,omitempty" yaml:"robot_prefix,omitempty"`
	VertexPrefix *string `json:"vertex_prefix,omitempty" yaml:"vertex_prefix,omitempty"`

	Sparsify    *SparsifyConfig    `json:"sparsify,omitempty" yaml:"sparsify,omitempty"`
	Variances   *VarianceConfig    `json:"variances,omitempty" yaml:"variances,omitempty"`
	Deformation *DeformationConfig `json:"deformation,omitempty" yaml:"deformation,omitempty"`

	PollTimeout *string `json:"poll_timeout,omitempty" yaml:"poll_timeout,omitempty"` // duration string like "10ms"

	Relabel *RelabelConfig `json:"relabel,omitempty" yaml:"relabel,omitempty"`

	// Output params
	LogDir            *string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
	DBPath            *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	CompressSnapshots *bool   `json:"compress_snapshots,omitempty" yaml:"compress_snapshots,omitempty"`
	PlotPlaces        *bool   `json:"plot_places,omitempty" yaml:"plot_places,omitempty"`
}

// SparsifyConfig controls dense-to-sparse trajectory compression.
type SparsifyConfig struct {
	Enabled           *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	TransThresholdM   *float64 `json:"trans_threshold_m,omitempty" yaml:"trans_threshold_m,omitempty"`
	RotThresholdDeg   *float64 `json:"rot_threshold_deg,omitempty" yaml:"rot_threshold_deg,omitempty"`
	MaxDensePerSparse *int     `json:"max_dense_per_sparse,omitempty" yaml:"max_dense_per_sparse,omitempty"`
}

// VarianceConfig holds the isotropic variances attached to each factor kind.
type VarianceConfig struct {
	Odom          *float64 `json:"odom,omitempty" yaml:"odom,omitempty"`
	LC            *float64 `json:"lc,omitempty" yaml:"lc,omitempty"`
	SGLoopClosure *float64 `json:"sg_loop_closure,omitempty" yaml:"sg_loop_closure,omitempty"`
	Prior         *float64 `json:"prior,omitempty" yaml:"prior,omitempty"`
	MeshEdge      *float64 `json:"mesh_edge,omitempty" yaml:"mesh_edge,omitempty"`
	PlaceMesh     *float64 `json:"place_mesh,omitempty" yaml:"place_mesh,omitempty"`
	PlaceEdge     *float64 `json:"place_edge,omitempty" yaml:"place_edge,omitempty"`
}

// DeformationConfig controls how control-point corrections are blended onto mesh vertices.
type DeformationConfig struct {
	NumInterpPts   *int     `json:"num_interp_pts,omitempty" yaml:"num_interp_pts,omitempty"`
	InterpHorizonS *float64 `json:"interp_horizon_s,omitempty" yaml:"interp_horizon_s,omitempty"`
}

// RelabelConfig configures the optional remote room-label channel.
type RelabelConfig struct {
	Enabled  *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Broker   *string `json:"broker,omitempty" yaml:"broker,omitempty"`
	Topic    *string `json:"topic,omitempty" yaml:"topic,omitempty"`
	ClientID *string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyBackendConfig returns a BackendConfig with all fields unset.
func EmptyBackendConfig() *BackendConfig {
	return &BackendConfig{}
}

// LoadBackendConfig loads a BackendConfig from a .json, .yaml or .yml file.
// Fields omitted from the file fall back to the Get* defaults.
func LoadBackendConfig(path string) (*BackendConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyBackendConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *BackendConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadBackendConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

var mergeUpdateLayers = map[string]bool{
	"objects":   true,
	"places":    true,
	"rooms":     true,
	"buildings": true,
}

// Validate checks that the configuration values are valid.
func (c *BackendConfig) Validate() error {
	if c.PlacesMergePosThresholdM != nil && *c.PlacesMergePosThresholdM < 0 {
		return fmt.Errorf("places_merge_pos_threshold_m must be non-negative, got %f", *c.PlacesMergePosThresholdM)
	}
	if c.PlacesMergeDistanceToleranceM != nil && *c.PlacesMergeDistanceToleranceM < 0 {
		return fmt.Errorf("places_merge_distance_tolerance_m must be non-negative, got %f", *c.PlacesMergeDistanceToleranceM)
	}
	if c.PlacesMergeNeighbors != nil && *c.PlacesMergeNeighbors < 1 {
		return fmt.Errorf("places_merge_neighbors must be at least 1, got %d", *c.PlacesMergeNeighbors)
	}
	for layer := range c.MergeUpdateMap {
		if !mergeUpdateLayers[layer] {
			return fmt.Errorf("merge_update_map: unknown layer %q", layer)
		}
	}
	if c.RobotPrefix != nil && len(*c.RobotPrefix) != 1 {
		return fmt.Errorf("robot_prefix must be a single character, got %q", *c.RobotPrefix)
	}
	if c.VertexPrefix != nil && len(*c.VertexPrefix) != 1 {
		return fmt.Errorf("vertex_prefix must be a single character, got %q", *c.VertexPrefix)
	}
	if c.RobotPrefix != nil && c.VertexPrefix != nil && *c.RobotPrefix == *c.VertexPrefix {
		return fmt.Errorf("robot_prefix and vertex_prefix must differ, both %q", *c.RobotPrefix)
	}

	if s := c.Sparsify; s != nil {
		if s.TransThresholdM != nil && *s.TransThresholdM <= 0 {
			return fmt.Errorf("sparsify.trans_threshold_m must be positive, got %f", *s.TransThresholdM)
		}
		if s.RotThresholdDeg != nil && (*s.RotThresholdDeg <= 0 || *s.RotThresholdDeg > 180) {
			return fmt.Errorf("sparsify.rot_threshold_deg must be in (0, 180], got %f", *s.RotThresholdDeg)
		}
		if s.MaxDensePerSparse != nil && *s.MaxDensePerSparse < 1 {
			return fmt.Errorf("sparsify.max_dense_per_sparse must be at least 1, got %d", *s.MaxDensePerSparse)
		}
	}

	if v := c.Variances; v != nil {
		for name, val := range map[string]*float64{
			"odom":            v.Odom,
			"lc":              v.LC,
			"sg_loop_closure": v.SGLoopClosure,
			"prior":           v.Prior,
			"mesh_edge":       v.MeshEdge,
			"place_mesh":      v.PlaceMesh,
			"place_edge":      v.PlaceEdge,
		} {
			if val != nil && (*val <= 0 || math.IsNaN(*val) || math.IsInf(*val, 0)) {
				return fmt.Errorf("variances.%s must be a positive finite number, got %f", name, *val)
			}
		}
	}

	if d := c.Deformation; d != nil {
		if d.NumInterpPts != nil && *d.NumInterpPts < 1 {
			return fmt.Errorf("deformation.num_interp_pts must be at least 1, got %d", *d.NumInterpPts)
		}
		if d.InterpHorizonS != nil && *d.InterpHorizonS <= 0 {
			return fmt.Errorf("deformation.interp_horizon_s must be positive, got %f", *d.InterpHorizonS)
		}
	}

	if c.PollTimeout != nil && *c.PollTimeout != "" {
		d, err := time.ParseDuration(*c.PollTimeout)
		if err != nil {
			return fmt.Errorf("invalid poll_timeout '%s': %w", *c.PollTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("poll_timeout must be positive, got %s", d)
		}
	}

	if r := c.Relabel; r != nil && r.Enabled != nil && *r.Enabled {
		if r.Broker == nil || *r.Broker == "" {
			return fmt.Errorf("relabel.broker is required when relabel is enabled")
		}
	}
	return nil
}

func (c *BackendConfig) GetEnableRooms() bool {
	if c.EnableRooms == nil {
		return true
	}
	return *c.EnableRooms
}

func (c *BackendConfig) GetEnableBuildings() bool {
	if c.EnableBuildings == nil {
		return true
	}
	return *c.EnableBuildings
}

func (c *BackendConfig) GetBuildingSemanticLabel() uint32 {
	if c.BuildingSemanticLabel == nil {
		return 22
	}
	return *c.BuildingSemanticLabel
}

func (c *BackendConfig) GetBuildingColor() [3]uint8 {
	if c.BuildingColor == nil {
		return [3]uint8{169, 8, 194}
	}
	return *c.BuildingColor
}

func (c *BackendConfig) GetAddPlacesToDeformationGraph() bool {
	if c.AddPlacesToDeformationGraph == nil {
		return true
	}
	return *c.AddPlacesToDeformationGraph
}

func (c *BackendConfig) GetOptimizeOnLC() bool {
	if c.OptimizeOnLC == nil {
		return true
	}
	return *c.OptimizeOnLC
}

func (c *BackendConfig) GetEnableNodeMerging() bool {
	if c.EnableNodeMerging == nil {
		return true
	}
	return *c.EnableNodeMerging
}

// GetMergeUpdateMap returns the per-layer attribute adoption policy keyed by
// layer name. Layers absent from the configured map keep their default.
func (c *BackendConfig) GetMergeUpdateMap() map[string]bool {
	out := map[string]bool{
		"objects":   false,
		"places":    true,
		"rooms":     false,
		"buildings": false,
	}
	for k, v := range c.MergeUpdateMap {
		out[k] = v
	}
	return out
}

func (c *BackendConfig) GetMergeUpdateDynamic() bool {
	if c.MergeUpdateDynamic == nil {
		return true
	}
	return *c.MergeUpdateDynamic
}

func (c *BackendConfig) GetPlacesMergePosThresholdM() float64 {
	if c.PlacesMergePosThresholdM == nil {
		return 0.4
	}
	return *c.PlacesMergePosThresholdM
}

func (c *BackendConfig) GetPlacesMergeDistanceToleranceM() float64 {
	if c.PlacesMergeDistanceToleranceM == nil {
		return 0.3
	}
	return *c.PlacesMergeDistanceToleranceM
}

func (c *BackendConfig) GetPlacesMergeNeighbors() int {
	if c.PlacesMergeNeighbors == nil {
		return 1
	}
	return *c.PlacesMergeNeighbors
}

func (c *BackendConfig) GetEnableMergeUndos() bool {
	if c.EnableMergeUndos == nil {
		return false
	}
	return *c.EnableMergeUndos
}

func (c *BackendConfig) GetUseActiveFlagForUpdates() bool {
	if c.UseActiveFlagForUpdates == nil {
		return true
	}
	return *c.UseActiveFlagForUpdates
}

func (c *BackendConfig) GetRobotPrefix() byte {
	if c.RobotPrefix == nil || *c.RobotPrefix == "" {
		return 'a'
	}
	return (*c.RobotPrefix)[0]
}

func (c *BackendConfig) GetVertexPrefix() byte {
	if c.VertexPrefix == nil || *c.VertexPrefix == "" {
		return 's'
	}
	return (*c.VertexPrefix)[0]
}

func (c *BackendConfig) GetSparsifyEnabled() bool {
	if c.Sparsify == nil || c.Sparsify.Enabled == nil {
		return true
	}
	return *c.Sparsify.Enabled
}

func (c *BackendConfig) GetSparsifyTransThresholdM() float64 {
	if c.Sparsify == nil || c.Sparsify.TransThresholdM == nil {
		return 0.5
	}
	return *c.Sparsify.TransThresholdM
}

// GetSparsifyRotThresholdRad returns the rotation threshold converted to radians.
func (c *BackendConfig) GetSparsifyRotThresholdRad() float64 {
	deg := 10.0
	if c.Sparsify != nil && c.Sparsify.RotThresholdDeg != nil {
		deg = *c.Sparsify.RotThresholdDeg
	}
	return deg * math.Pi / 180
}

func (c *BackendConfig) GetSparsifyMaxDensePerSparse() int {
	if c.Sparsify == nil || c.Sparsify.MaxDensePerSparse == nil {
		return 20
	}
	return *c.Sparsify.MaxDensePerSparse
}

func (c *BackendConfig) variance(get func(*VarianceConfig) *float64, def float64) float64 {
	if c.Variances == nil {
		return def
	}
	if v := get(c.Variances); v != nil {
		return *v
	}
	return def
}

func (c *BackendConfig) GetOdomVariance() float64 {
	return c.variance(func(v *VarianceConfig) *float64 { return v.Odom }, 1e-2)
}

func (c *BackendConfig) GetLCVariance() float64 {
	return c.variance(func(v *VarianceConfig) *float64 { return v.LC }, 1e-2)
}

func (c *BackendConfig) GetSGLoopClosureVariance() float64 {
	return c.variance(func(v *VarianceConfig) *float64 { return v.SGLoopClosure }, 1e-1)
}

func (c *BackendConfig) GetPriorVariance() float64 {
	return c.variance(func(v *VarianceConfig) *float64 { return v.Prior }, 1e-4)
}

func (c *BackendConfig) GetMeshEdgeVariance() float64 {
	return c.variance(func(v *VarianceConfig) *float64 { return v.MeshEdge }, 1e-2)
}

func (c *BackendConfig) GetPlaceMeshVariance() float64 {
	return c.variance(func(v *VarianceConfig) *float64 { return v.PlaceMesh }, 1e-2)
}

func (c *BackendConfig) GetPlaceEdgeVariance() float64 {
	return c.variance(func(v *VarianceConfig) *float64 { return v.PlaceEdge }, 1e-1)
}

func (c *BackendConfig) GetNumInterpPts() int {
	if c.Deformation == nil || c.Deformation.NumInterpPts == nil {
		return 4
	}
	return *c.Deformation.NumInterpPts
}

func (c *BackendConfig) GetInterpHorizon() time.Duration {
	s := 10.0
	if c.Deformation != nil && c.Deformation.InterpHorizonS != nil {
		s = *c.Deformation.InterpHorizonS
	}
	return time.Duration(s * float64(time.Second))
}

// GetPollTimeout returns the input queue poll timeout. Defaults to 10ms.
func (c *BackendConfig) GetPollTimeout() time.Duration {
	if c.PollTimeout == nil || *c.PollTimeout == "" {
		return 10 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.PollTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Millisecond
	}
	return d
}

func (c *BackendConfig) GetRelabelEnabled() bool {
	if c.Relabel == nil || c.Relabel.Enabled == nil {
		return false
	}
	return *c.Relabel.Enabled
}

func (c *BackendConfig) GetRelabelBroker() string {
	if c.Relabel == nil || c.Relabel.Broker == nil {
		return ""
	}
	return *c.Relabel.Broker
}

func (c *BackendConfig) GetRelabelTopic() string {
	if c.Relabel == nil || c.Relabel.Topic == nil || *c.Relabel.Topic == "" {
		return "scenegraph/rooms/labels"
	}
	return *c.Relabel.Topic
}

func (c *BackendConfig) GetRelabelClientID() string {
	if c.Relabel == nil || c.Relabel.ClientID == nil || *c.Relabel.ClientID == "" {
		return "sgbackend"
	}
	return *c.Relabel.ClientID
}

func (c *BackendConfig) GetLogDir() string {
	if c.LogDir == nil {
		return ""
	}
	return *c.LogDir
}

func (c *BackendConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

func (c *BackendConfig) GetCompressSnapshots() bool {
	if c.CompressSnapshots == nil {
		return true
	}
	return *c.CompressSnapshots
}

func (c *BackendConfig) GetPlotPlaces() bool {
	if c.PlotPlaces == nil {
		return false
	}
	return *c.PlotPlaces
}
