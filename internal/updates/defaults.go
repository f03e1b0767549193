package updates

import (
	"github.com/mapstack/scenegraph/internal/config"
	"github.com/mapstack/scenegraph/internal/dsg"
)

// NewDefaultPipeline registers the objects, places, rooms and buildings
// functors as configured. Rooms and buildings can be disabled.
func NewDefaultPipeline(cfg *config.BackendConfig, finder RoomFinder, names func() map[dsg.NodeID]string) *Pipeline {
	p := NewPipeline(cfg.GetEnableMergeUndos())
	p.Register(dsg.LayerObjects, &ObjectsFunctor{UseActiveFlag: cfg.GetUseActiveFlagForUpdates()})
	p.Register(dsg.LayerPlaces, &PlacesFunctor{
		PosThreshold:      cfg.GetPlacesMergePosThresholdM(),
		DistanceTolerance: cfg.GetPlacesMergeDistanceToleranceM(),
		Neighbors:         cfg.GetPlacesMergeNeighbors(),
		UseActiveFlag:     cfg.GetUseActiveFlagForUpdates(),
	})
	if cfg.GetEnableRooms() {
		p.Register(dsg.LayerRooms, &RoomsFunctor{Finder: finder, Names: names})
	}
	if cfg.GetEnableBuildings() {
		p.Register(dsg.LayerBuildings, &BuildingsFunctor{
			SemanticLabel: cfg.GetBuildingSemanticLabel(),
			Color:         cfg.GetBuildingColor(),
		})
	}
	return p
}
