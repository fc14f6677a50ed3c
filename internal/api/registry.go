package api

import (
	"github.com/cnk113/cacoa/internal/dataset"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
}

// DatasetRegistry holds the dataset sources of all configured datasets.
type DatasetRegistry struct {
	sources        map[string]*dataset.Source
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		sources:        make(map[string]*dataset.Source),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds the source of a dataset. Ids not named in the constructor
// order are appended to it.
func (r *DatasetRegistry) Register(datasetID string, src *dataset.Source) {
	if _, ok := r.sources[datasetID]; !ok && !containsID(r.datasetOrder, datasetID) {
		r.datasetOrder = append(r.datasetOrder, datasetID)
	}
	r.sources[datasetID] = src
}

// Get returns the source of a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *dataset.Source {
	return r.sources[datasetID]
}

// Default returns the default dataset's source.
func (r *DatasetRegistry) Default() *dataset.Source {
	return r.sources[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "cacoa"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		src := r.sources[id]
		if src == nil {
			continue
		}
		infos = append(infos, DatasetInfo{
			ID:     id,
			Name:   id,
			Loaded: src.Loaded(),
		})
	}
	return infos
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
