package api

import (
	"predios-api/internal/locator"
	"predios-api/internal/store"
)

// FeatureCollection：GeoJSON 要素集合，metadata 为非标准扩展字段，承载总数与查询条件
type FeatureCollection struct {
	Type     string         `json:"type"`
	Features []Feature      `json:"features"`
	Metadata map[string]any `json:"metadata"`
}

type Feature struct {
	Type       string       `json:"type"`
	Geometry   Geometry     `json:"geometry"`
	Properties featureProps `json:"properties"`
}

// Geometry：仅 Point；坐标顺序为 [经度, 纬度]
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type featureProps struct {
	store.Parcel
	DistanceM *float64 `json:"distancia_metros,omitempty"`
}

func parcelFeature(p store.Parcel) Feature {
	return Feature{
		Type:       "Feature",
		Geometry:   Geometry{Type: "Point", Coordinates: [2]float64{p.Lon, p.Lat}},
		Properties: featureProps{Parcel: p},
	}
}

func parcelCollection(ps []store.Parcel, meta map[string]any) FeatureCollection {
	fs := make([]Feature, 0, len(ps))
	for _, p := range ps {
		fs = append(fs, parcelFeature(p))
	}
	meta["total"] = len(fs)
	return FeatureCollection{Type: "FeatureCollection", Features: fs, Metadata: meta}
}

// matchCollection：半径查询结果，距离保留两位小数
func matchCollection(ms []locator.Match, meta map[string]any) FeatureCollection {
	fs := make([]Feature, 0, len(ms))
	for _, m := range ms {
		f := parcelFeature(m.Parcel)
		d := round2(m.DistanceM)
		f.Properties.DistanceM = &d
		fs = append(fs, f)
	}
	meta["total"] = len(fs)
	return FeatureCollection{Type: "FeatureCollection", Features: fs, Metadata: meta}
}
