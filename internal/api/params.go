package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"predios-api/internal/locator"
	"strconv"
)

var (
	errBadCoord   = errors.New("invalid lat/lng")
	errBadEpsilon = errors.New("invalid eps")
)

// parseCoord：读取 lat / lng（兼容 lon），要求为 WGS84 范围内的有限数
func parseCoord(r *http.Request) (float64, float64, error) {
	q := r.URL.Query()
	lonS := q.Get("lng")
	if lonS == "" {
		lonS = q.Get("lon")
	}
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(lonS, 64)
	if err1 != nil || err2 != nil || !locator.ValidCoord(lat, lon) {
		return 0, 0, errBadCoord
	}
	return lat, lon, nil
}

// parseEpsilon：缺省取 def；必须为有限非负数
func parseEpsilon(r *http.Request, def float64) (float64, error) {
	s := r.URL.Query().Get("eps")
	if s == "" {
		return def, nil
	}
	eps, err := strconv.ParseFloat(s, 64)
	if err != nil || eps < 0 || math.IsNaN(eps) || math.IsInf(eps, 0) {
		return 0, errBadEpsilon
	}
	return eps, nil
}

var (
	errBadRadius = errors.New("invalid radius")
	errBadNumber = errors.New("invalid number")
)

const (
	defaultRadiusM = 500.0
	maxRadiusM     = 100_000.0
)

// parseRadius：半径（米），缺省 500，须在 (0, 100km] 内
func parseRadius(r *http.Request) (float64, error) {
	s := r.URL.Query().Get("radius")
	if s == "" {
		return defaultRadiusM, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !(v > 0 && v <= maxRadiusM) {
		return 0, errBadRadius
	}
	return v, nil
}

// parseOptFloat：可选数值参数，缺省返回 nil
func parseOptFloat(r *http.Request, name string) (*float64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: %s", errBadNumber, name)
	}
	return &v, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
