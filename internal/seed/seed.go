// Package seed holds the demo farm dataset.
package seed

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/openmined/farmsync/internal/codec"
	"github.com/openmined/farmsync/internal/entity"
	"gopkg.in/yaml.v3"
)

//go:embed farm.yaml
var farmYAML []byte

type document struct {
	Farm    string              `yaml:"farm"`
	Records map[string][]record `yaml:"records"`
}

type record struct {
	ID       string         `yaml:"id"`
	ServerID string         `yaml:"serverId"`
	Data     map[string]any `yaml:"data"`
}

// Dataset is the parsed demo data, by kind.
type Dataset struct {
	Farm    string
	Records map[entity.Kind][]entity.Record
}

// Count is the number of records across every kind.
func (d *Dataset) Count() int {
	n := 0
	for _, recs := range d.Records {
		n += len(recs)
	}
	return n
}

// Merge appends o's records. The farm name is kept unless d has none.
func (d *Dataset) Merge(o *Dataset) {
	if d.Farm == "" {
		d.Farm = o.Farm
	}
	if d.Records == nil {
		d.Records = make(map[entity.Kind][]entity.Record)
	}
	for kind, recs := range o.Records {
		d.Records[kind] = append(d.Records[kind], recs...)
	}
}

// Demo parses the embedded dataset.
func Demo() (*Dataset, error) {
	return Parse(farmYAML)
}

// Parse reads a dataset in the farm.yaml format.
func Parse(doc []byte) (*Dataset, error) {
	var raw document
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}

	out := &Dataset{Farm: raw.Farm, Records: make(map[entity.Kind][]entity.Record)}
	for name, recs := range raw.Records {
		kind, err := entity.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("parse seed: %w", err)
		}
		for _, r := range recs {
			if r.ID == "" {
				return nil, fmt.Errorf("parse seed: %s record without id", kind)
			}
			data, err := codec.Marshal(r.Data)
			if err != nil {
				return nil, fmt.Errorf("parse seed: %s %s: %w", kind, r.ID, err)
			}
			rec := entity.Record{LocalID: r.ID, Kind: kind, Data: data}
			if r.ServerID != "" {
				id := r.ServerID
				rec.ServerID = &id
			}
			out.Records[kind] = append(out.Records[kind], rec)
		}
	}
	return out, nil
}

// Loader is the store side of seeding.
type Loader interface {
	BulkLoad(ctx context.Context, kind entity.Kind, records []entity.Record) (int, error)
}

// Load bulk loads the dataset, kind by kind, as already synced records.
func Load(ctx context.Context, l Loader, d *Dataset) (map[entity.Kind]int, error) {
	out := make(map[entity.Kind]int)
	for _, kind := range entity.Kinds() {
		recs := d.Records[kind]
		if len(recs) == 0 {
			continue
		}
		n, err := l.BulkLoad(ctx, kind, recs)
		if err != nil {
			return out, fmt.Errorf("seed %s: %w", kind, err)
		}
		out[kind] = n
	}
	slog.Info("seed loaded", "farm", d.Farm, "records", d.Count())
	return out, nil
}
