package api

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"predios-api/internal/locator"
	"predios-api/internal/store"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	parcels map[int64]store.Parcel
	nextID  int64
	pingErr error
	filter  store.ParcelFilter
}

func (f *fakeStore) all() []store.Parcel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Parcel, 0, len(f.parcels))
	for _, p := range f.parcels {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b store.Parcel) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (f *fakeStore) GetParcel(ctx context.Context, id int64) (store.Parcel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.parcels[id]
	if !ok {
		return store.Parcel{}, store.ErrParcelNotFound
	}
	return p, nil
}

func (f *fakeStore) ListParcels(ctx context.Context, flt store.ParcelFilter) ([]store.Parcel, error) {
	f.mu.Lock()
	f.filter = flt
	f.mu.Unlock()
	var out []store.Parcel
	for _, p := range f.all() {
		if flt.State != "" && p.PaymentState != flt.State {
			continue
		}
		if flt.Sector != "" && !strings.Contains(strings.ToLower(p.Sector), strings.ToLower(flt.Sector)) {
			continue
		}
		if (flt.DebtMin != nil && p.Debt < *flt.DebtMin) || (flt.DebtMax != nil && p.Debt > *flt.DebtMax) {
			continue
		}
		out = append(out, p)
	}
	slices.SortStableFunc(out, func(a, b store.Parcel) int { return cmp.Compare(b.Debt, a.Debt) })
	return out, nil
}

func (f *fakeStore) SearchByOwner(ctx context.Context, name string) ([]store.Parcel, error) {
	var out []store.Parcel
	for _, p := range f.all() {
		if strings.Contains(strings.ToLower(p.Owner), strings.ToLower(name)) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) Stats(ctx context.Context) (store.Stats, error) {
	sector := "Jayllihuaya"
	return store.Stats{
		Summary:        store.StatsSummary{Parcels: int64(len(f.all())), Taxpayers: 2, DebtOverdue: 150, Compliance: 50},
		ByState:        map[string]store.StateTotals{"MOROSO": {Count: 1, Debt: 150}, "AL_DIA": {Count: 1}},
		CriticalSector: store.CriticalSector{Name: &sector, Delinquent: 1, Debt: 150},
		Indicators:     store.Indicators{Delinquent: 1, UpToDate: 1},
	}, nil
}

func (f *fakeStore) Sectors(ctx context.Context) ([]store.SectorStats, error) {
	return []store.SectorStats{{Sector: "Jayllihuaya", Parcels: 4, Delinquent: 1, UpToDate: 1, Debt: 150, DelinquencyPct: 25}}, nil
}

func (f *fakeStore) CreateParcel(ctx context.Context, in store.ParcelInput) (store.Parcel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.parcels {
		if p.Code == in.Code {
			return store.Parcel{}, store.ErrDuplicateCode
		}
	}
	f.nextID++
	p := store.Parcel{ID: f.nextID, Code: in.Code, Owner: in.Owner, Sector: in.Sector, HousingType: in.HousingType,
		HouseNumber: in.HouseNumber, Assessed: in.Assessed, Lat: in.Lat, Lon: in.Lon, PaymentState: "MOROSO",
		Debt: in.TaxAmount + in.ArbitriosAmount}
	f.parcels[p.ID] = p
	return p, nil
}

func (f *fakeStore) UpdateParcel(ctx context.Context, id int64, patch store.ParcelPatch) (store.Parcel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.parcels[id]
	if !ok {
		return store.Parcel{}, store.ErrParcelNotFound
	}
	if patch.Code != nil {
		p.Code = *patch.Code
	}
	if patch.Owner != nil {
		p.Owner = *patch.Owner
	}
	if patch.Lat != nil && patch.Lon != nil {
		p.Lat, p.Lon = *patch.Lat, *patch.Lon
	}
	f.parcels[id] = p
	return p, nil
}

func (f *fakeStore) DeleteParcel(ctx context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.parcels[id]
	if !ok {
		return "", store.ErrParcelNotFound
	}
	delete(f.parcels, id)
	return p.Code, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

// storeReindexer：从 fakeStore 全量重建，等价于 Refresher.RefreshNow
type storeReindexer struct {
	st    *fakeStore
	loc   *locator.Locator
	calls int
}

func (r *storeReindexer) RefreshNow(ctx context.Context) error {
	r.calls++
	_, err := r.loc.Rebuild(r.st.all())
	return err
}

func fixture(t *testing.T) (*fakeStore, *locator.Locator) {
	t.Helper()
	ps := []store.Parcel{
		{ID: 1, Code: "HOG0001", Owner: "Ana Quispe", Sector: "Jayllihuaya", Lat: 0, Lon: 0, PaymentState: "AL_DIA"},
		{ID: 2, Code: "HOG0002", Owner: "Luis Mamani", Sector: "Jayllihuaya", Lat: 5, Lon: 5, PaymentState: "MOROSO", Debt: 150},
		{ID: 3, Code: "HOG0003", Owner: "Rosa Apaza", Sector: "Salcedo", Lat: 9, Lon: 1, PaymentState: "SIN_TRIBUTO"},
		{ID: 4, Code: "HOG0004", Owner: "Juana Quispe", Sector: "Salcedo", Lat: 2, Lon: 8, PaymentState: "MOROSO", Debt: 40},
	}
	st := &fakeStore{parcels: map[int64]store.Parcel{}, nextID: 4}
	for _, p := range ps {
		st.parcels[p.ID] = p
	}
	loc := locator.New()
	_, err := loc.Rebuild(ps)
	require.NoError(t, err)
	return st, loc
}

func do(t *testing.T, h http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return doReq(t, h, http.MethodGet, target, "")
}

func doReq(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func parcelCode(body map[string]any) string {
	p, _ := body["predio"].(map[string]any)
	s, _ := p["codigo_catastral"].(string)
	return s
}

func TestNearestRoute(t *testing.T) {
	st, loc := fixture(t)
	h := BuildRoutes(st, loc, nil, Config{})

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"NearOrigin", "/predios/nearest?lat=1&lng=1", 200, "HOG0001"},
		{"NearRight", "/predios/nearest?lat=8&lon=2", 200, "HOG0003"},
		{"MissingLat", "/predios/nearest?lng=1", 400, ""},
		{"OutOfRange", "/predios/nearest?lat=91&lng=1", 400, ""},
		{"NaN", "/predios/nearest?lat=NaN&lng=1", 400, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, h, tt.target)
			assert.Equal(t, tt.status, rec.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, parcelCode(body))
				assert.EqualValues(t, 1, body["version"])
				assert.Greater(t, body["distancia_m"], 0.0)
			}
		})
	}
}

func TestFindRoute(t *testing.T) {
	st, loc := fixture(t)
	h := BuildRoutes(st, loc, nil, Config{})

	rec, body := do(t, h, "/predios/find?lat=5&lng=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HOG0002", parcelCode(body))

	rec, body = do(t, h, "/predios/find?lat=5.0000001&lng=5")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["error"])

	rec, body = do(t, h, "/predios/find?lat=5.0000001&lng=5&eps=1e-5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HOG0002", parcelCode(body))

	rec, _ = do(t, h, "/predios/find?lat=5&lng=5&eps=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmptyIndexReturnsNotFound(t *testing.T) {
	h := BuildRoutes(&fakeStore{}, locator.New(), nil, Config{})
	rec, _ := do(t, h, "/predios/nearest?lat=1&lng=1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, "/predios/find?lat=1&lng=1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParcelRoute(t *testing.T) {
	st, loc := fixture(t)
	h := BuildRoutes(st, loc, nil, Config{})

	rec, body := do(t, h, "/predios/2")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HOG0002", body["codigo_catastral"])
	assert.Equal(t, "MOROSO", body["estado_pago"])

	rec, _ = do(t, h, "/predios/42")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, "/predios/abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIndexStatsHealthRoutes(t *testing.T) {
	st, loc := fixture(t)
	h := BuildRoutes(st, loc, nil, Config{})

	rec, body := do(t, h, "/index")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, body["points"])
	assert.EqualValues(t, 3, body["depth"])

	rec, body = do(t, h, "/estadisticas")
	assert.Equal(t, http.StatusOK, rec.Code)
	summary, _ := body["resumen"].(map[string]any)
	assert.EqualValues(t, 4, summary["total_predios"])
	assert.EqualValues(t, 50, summary["porcentaje_cumplimiento"])
	critical, _ := body["sector_critico"].(map[string]any)
	assert.Equal(t, "Jayllihuaya", critical["nombre"])
	byState, _ := body["distribucion_estado"].(map[string]any)
	assert.Contains(t, byState, "MOROSO")

	rec, body = do(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	st.pingErr = errors.New("down")
	rec, _ = do(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestUnreachableRedisFallsBackToIndex(t *testing.T) {
	st, loc := fixture(t)
	rc := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rc.Close()
	h := BuildRoutes(st, loc, rc, Config{CacheTTL: time.Second})

	rec, body := do(t, h, "/predios/nearest?lat=1&lng=1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HOG0001", parcelCode(body))
}

func TestCacheKeys(t *testing.T) {
	snap := &locator.Snapshot{Version: 7, BuiltAt: time.Unix(0, 42)}
	assert.Equal(t, "predios:nearest:v7.42:-15.84:-70.02", versionedKey("nearest", snap, nearestKey(-15.84, -70.02)))
	assert.Equal(t, "predios:find:v7.42:5:5:1e-09", versionedKey("find", snap, findKey(5, 5, 1e-9)))
	assert.NotEqual(t, nearestKey(5.0000001, 5), nearestKey(5, 5))
}

func features(t *testing.T, body map[string]any) []map[string]any {
	t.Helper()
	assert.Equal(t, "FeatureCollection", body["type"])
	raw, _ := body["features"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, f := range raw {
		m, _ := f.(map[string]any)
		out = append(out, m)
	}
	meta, _ := body["metadata"].(map[string]any)
	assert.EqualValues(t, len(out), meta["total"])
	return out
}

func featureCode(f map[string]any) string {
	props, _ := f["properties"].(map[string]any)
	s, _ := props["codigo_catastral"].(string)
	return s
}

func TestListRoute(t *testing.T) {
	st, loc := fixture(t)
	h := BuildRoutes(st, loc, nil, Config{})

	rec, body := do(t, h, "/predios")
	require.Equal(t, http.StatusOK, rec.Code)
	fs := features(t, body)
	require.Len(t, fs, 4)
	assert.Equal(t, "HOG0002", featureCode(fs[0]))
	geom, _ := fs[0]["geometry"].(map[string]any)
	assert.Equal(t, "Point", geom["type"])
	assert.Equal(t, []any{5.0, 5.0}, geom["coordinates"])

	rec, body = do(t, h, "/predios?estado=moroso&sector=salc&deuda_min=10")
	require.Equal(t, http.StatusOK, rec.Code)
	fs = features(t, body)
	require.Len(t, fs, 1)
	assert.Equal(t, "HOG0004", featureCode(fs[0]))
	assert.Equal(t, "MOROSO", st.filter.State)
	assert.Equal(t, "salc", st.filter.Sector)
	require.NotNil(t, st.filter.DebtMin)
	assert.Equal(t, 10.0, *st.filter.DebtMin)
	assert.Nil(t, st.filter.DebtMax)
	filters := body["metadata"].(map[string]any)["filtros_aplicados"].(map[string]any)
	assert.Equal(t, "MOROSO", filters["estado"])
	assert.Nil(t, filters["deuda_max"])

	rec, _ = do(t, h, "/predios?deuda_max=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, h, "/predios/morosos")
	require.Equal(t, http.StatusOK, rec.Code)
	fs = features(t, body)
	assert.Len(t, fs, 2)
	assert.Equal(t, store.StateDelinquent, st.filter.State)
}

func TestSearchRoute(t *testing.T) {
	st, loc := fixture(t)
	h := BuildRoutes(st, loc, nil, Config{})

	rec, body := do(t, h, "/buscar?nombre=quispe")
	require.Equal(t, http.StatusOK, rec.Code)
	fs := features(t, body)
	require.Len(t, fs, 2)
	assert.Equal(t, "quispe", body["metadata"].(map[string]any)["busqueda"])

	rec, _ = do(t, h, "/buscar?nombre=%20")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRadiusRoute(t *testing.T) {
	st, loc := fixture(t)
	h := BuildRoutes(st, loc, nil, Config{})

	rec, body := do(t, h, "/predios/radio?lat=0.001&lng=0")
	require.Equal(t, http.StatusOK, rec.Code)
	fs := features(t, body)
	require.Len(t, fs, 1)
	assert.Equal(t, "HOG0001", featureCode(fs[0]))
	props := fs[0]["properties"].(map[string]any)
	assert.InDelta(t, 111.19, props["distancia_metros"], 0.01)
	meta := body["metadata"].(map[string]any)
	assert.EqualValues(t, 500, meta["radio_metros"])

	rec, body = do(t, h, "/predios/radio?lat=0.01&lng=0&radius=100")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, features(t, body))

	for _, q := range []string{"radius=0", "radius=-5", "radius=200000", "radius=x"} {
		rec, _ = do(t, h, "/predios/radio?lat=0&lng=0&"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestSectorsAndRootRoutes(t *testing.T) {
	st, loc := fixture(t)
	h := BuildRoutes(st, loc, nil, Config{})

	rec, body := do(t, h, "/sectores")
	require.Equal(t, http.StatusOK, rec.Code)
	ss, _ := body["sectores"].([]any)
	require.Len(t, ss, 1)
	assert.EqualValues(t, 25, ss[0].(map[string]any)["porcentaje_morosidad"])

	rec, body = do(t, h, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["endpoints"], "radio")
}

func TestWritesRebuildIndex(t *testing.T) {
	st, loc := fixture(t)
	ri := &storeReindexer{st: st, loc: loc}
	h := BuildRoutes(st, loc, nil, Config{Reindexer: ri})

	rec, body := doReq(t, h, http.MethodPost, "/predios",
		`{"latitud": 20, "longitud": 20, "codigo_catastral": " NEW0001 ", "contribuyente_nombre": "Eva Condori", "monto_impuesto": 80}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, body["success"])
	created, _ := body["predio"].(map[string]any)
	props, _ := created["properties"].(map[string]any)
	assert.Equal(t, "NEW0001", props["codigo_catastral"])
	assert.Equal(t, "Jayllihuaya", props["sector"])
	assert.Equal(t, "Rústica", props["tipo_vivienda"])
	assert.Equal(t, 1, ri.calls)

	rec, body = do(t, h, "/predios/find?lat=20&lng=20")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NEW0001", parcelCode(body))
	assert.EqualValues(t, 2, body["version"])

	rec, _ = doReq(t, h, http.MethodPost, "/predios",
		`{"latitud": 21, "longitud": 21, "codigo_catastral": "NEW0001", "contribuyente_nombre": "Otro"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = doReq(t, h, http.MethodPut, "/predios/5", `{"latitud": 30, "longitud": 30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, "/predios/find?lat=20&lng=20")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, body = do(t, h, "/predios/nearest?lat=29&lng=29")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "NEW0001", parcelCode(body))

	rec, body = doReq(t, h, http.MethodDelete, "/predios/5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Predio NEW0001 eliminado exitosamente", body["message"])
	assert.EqualValues(t, 5, body["id_predio"])
	rec, body = do(t, h, "/predios/nearest?lat=29&lng=29")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, "NEW0001", parcelCode(body))
	assert.Equal(t, 3, ri.calls)

	rec, _ = doReq(t, h, http.MethodDelete, "/predios/5", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 3, ri.calls)
}

func TestWriteValidation(t *testing.T) {
	st, loc := fixture(t)
	h := BuildRoutes(st, loc, nil, Config{})

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"CreateBadJSON", http.MethodPost, "/predios", `{`, 400},
		{"CreateMissingOwner", http.MethodPost, "/predios", `{"latitud": 1, "longitud": 1, "codigo_catastral": "X1"}`, 400},
		{"CreateMissingCode", http.MethodPost, "/predios", `{"latitud": 1, "longitud": 1, "contribuyente_nombre": "A"}`, 400},
		{"CreateBadCoord", http.MethodPost, "/predios", `{"latitud": 95, "longitud": 1, "codigo_catastral": "X1", "contribuyente_nombre": "A"}`, 400},
		{"CreateNegativeTax", http.MethodPost, "/predios", `{"latitud": 1, "longitud": 1, "codigo_catastral": "X1", "contribuyente_nombre": "A", "monto_impuesto": -1}`, 400},
		{"UpdateLatOnly", http.MethodPut, "/predios/1", `{"latitud": 1}`, 400},
		{"UpdateEmptyCode", http.MethodPut, "/predios/1", `{"codigo_catastral": "  "}`, 400},
		{"UpdateMissing", http.MethodPut, "/predios/99", `{"sector": "Salcedo"}`, 404},
		{"UpdateBadID", http.MethodPut, "/predios/abc", `{}`, 400},
		{"DeleteBadID", http.MethodDelete, "/predios/0", ``, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := doReq(t, h, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}
