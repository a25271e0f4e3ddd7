package models

// ResourceKind identifies which part of the declarative configuration a
// resource belongs to.
type ResourceKind string

const (
	ResourceKindService    ResourceKind = "service"
	ResourceKindLayer      ResourceKind = "layer"
	ResourceKindDatasource ResourceKind = "datasource"
)

// Layer describes a single published map layer inside a service.
type Layer struct {
	ID           string            `yaml:"id" json:"id" validate:"required"`
	Title        string            `yaml:"title" json:"title" validate:"required"`
	GeometryType string            `yaml:"geometryType" json:"geometryType" validate:"required,oneof=point linestring polygon multipoint multilinestring multipolygon raster"`
	Datasource   string            `yaml:"datasource" json:"datasource" validate:"required"`
	Table        string            `yaml:"table" json:"table" validate:"required"`
	KeyMapping   map[string]string `yaml:"keyMapping,omitempty" json:"keyMapping,omitempty"`
	Style        string            `yaml:"style,omitempty" json:"style,omitempty"`
	MinZoom      int               `yaml:"minZoom,omitempty" json:"minZoom,omitempty" validate:"gte=0,lte=30"`
	MaxZoom      int               `yaml:"maxZoom,omitempty" json:"maxZoom,omitempty" validate:"gte=0,lte=30"`
}

// Service describes one OGC service (WFS/WMS endpoint) and its ordered layers.
type Service struct {
	ID       string   `yaml:"id" json:"id" validate:"required"`
	Title    string   `yaml:"title" json:"title" validate:"required"`
	Abstract string   `yaml:"abstract,omitempty" json:"abstract,omitempty"`
	Layers   []Layer  `yaml:"layers" json:"layers" validate:"required,min=1,dive"`
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

// Datasource describes a backing store binding for layers.
type Datasource struct {
	ID         string `yaml:"id" json:"id" validate:"required"`
	Kind       string `yaml:"kind" json:"kind" validate:"required,oneof=postgis geopackage shapefile"`
	Connection string `yaml:"connection" json:"connection" validate:"required"`
	Schema     string `yaml:"schema,omitempty" json:"schema,omitempty"`
	MaxConns   int    `yaml:"maxConns,omitempty" json:"maxConns,omitempty" validate:"gte=0"`
}

// ConfigurationDocument is an immutable snapshot of the declarative
// configuration for one environment at one commit. Loaders build it, nothing
// mutates it afterwards.
type ConfigurationDocument struct {
	Commit      string                `json:"commit"`
	Environment string                `json:"environment"`
	Services    []Service             `json:"services"`
	Datasources map[string]Datasource `json:"datasources"`
}

// Service returns the service with the given id, or nil.
func (d *ConfigurationDocument) Service(id string) *Service {
	for i := range d.Services {
		if d.Services[i].ID == id {
			return &d.Services[i]
		}
	}
	return nil
}
