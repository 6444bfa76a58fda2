package locator

import (
	"math"
	"predios-api/internal/kdtree"
)

const earthRadiusKm = 6371.0

// 球面距离（Haversine），返回千米；仅用于展示距离，选点仍按索引的平面距离
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// ValidCoord：WGS84 经纬度范围检查
func ValidCoord(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// boundingBox：以 (lat, lon) 为中心、半径 radiusM 米的经纬度外接矩形，略放大以吸收球面误差
func boundingBox(lat, lon, radiusM float64) (kdtree.Point, kdtree.Point) {
	dLat := radiusM/(earthRadiusKm*1000)*180/math.Pi*1.01 + 1e-9
	loLat, hiLat := math.Max(lat-dLat, -90), math.Min(lat+dLat, 90)
	loLon, hiLon := -180.0, 180.0
	// 矩形触及极点或跨越 ±180° 时经度取全范围
	if loLat > -90 && hiLat < 90 {
		dLon := dLat / math.Cos(math.Max(math.Abs(loLat), math.Abs(hiLat))*math.Pi/180)
		if lon-dLon >= -180 && lon+dLon <= 180 {
			loLon, hiLon = lon-dLon, lon+dLon
		}
	}
	return kdtree.Point{X: loLat, Y: loLon}, kdtree.Point{X: hiLat, Y: hiLon}
}
