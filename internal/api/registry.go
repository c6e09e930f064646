package api

import (
	"github.com/atlasmap-sc/clusterstats/internal/config"
	"github.com/atlasmap-sc/clusterstats/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID           string   `json:"id"`
	MatrixPath   string   `json:"matrix_path"`
	MetadataPath string   `json:"metadata_path"`
	Clusters     []string `json:"clusters,omitempty"`
}

// DatasetRegistry exposes the configured datasets and the service that
// aggregates them.
type DatasetRegistry struct {
	svc            *service.Service
	defaultDataset string
	datasetOrder   []string
}

// NewDatasetRegistry creates a registry over every dataset in the service
// configuration.
func NewDatasetRegistry(svc *service.Service) *DatasetRegistry {
	cfg := svc.Config()
	return &DatasetRegistry{
		svc:            svc,
		defaultDataset: cfg.Data.DefaultDataset,
		datasetOrder:   cfg.Data.DatasetIDs(),
	}
}

// Service returns the aggregation service.
func (r *DatasetRegistry) Service() *service.Service {
	return r.svc
}

// Get returns the configuration of a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *config.DatasetConfig {
	return r.svc.Config().Data.Datasets[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		ds := r.Get(id)
		if ds == nil {
			continue
		}
		infos = append(infos, DatasetInfo{
			ID:           id,
			MatrixPath:   ds.MatrixPath,
			MetadataPath: ds.MetadataPath,
			Clusters:     ds.Clusters,
		})
	}
	return infos
}
