package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"predios-api/internal/locator"
	"predios-api/internal/logger"
	"predios-api/internal/metrics"
	"predios-api/internal/store"
	"strconv"
	"strings"
)

const maxBodyBytes = 1 << 20

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ParcelFilter{
		State:  strings.ToUpper(strings.TrimSpace(q.Get("estado"))),
		Sector: strings.TrimSpace(q.Get("sector")),
	}
	var err error
	if f.DebtMin, err = parseOptFloat(r, "deuda_min"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.DebtMax, err = parseOptFloat(r, "deuda_max"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.serveList(w, r, f)
}

func (h *handlers) delinquent(w http.ResponseWriter, r *http.Request) {
	h.serveList(w, r, store.ParcelFilter{State: store.StateDelinquent})
}

func (h *handlers) serveList(w http.ResponseWriter, r *http.Request, f store.ParcelFilter) {
	ps, err := h.st.ListParcels(r.Context(), f)
	if err != nil {
		logger.L().Error("parcel_list_error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	filters := map[string]any{"estado": nilIfEmpty(f.State), "deuda_min": f.DebtMin, "deuda_max": f.DebtMax, "sector": nilIfEmpty(f.Sector)}
	writeJSON(w, http.StatusOK, parcelCollection(ps, map[string]any{"filtros_aplicados": filters}))
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (h *handlers) search(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("nombre"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "nombre required")
		return
	}
	ps, err := h.st.SearchByOwner(r.Context(), name)
	if err != nil {
		logger.L().Error("owner_search_error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, parcelCollection(ps, map[string]any{"busqueda": name}))
}

// radius：半径查询走内存索引快照，与 nearest/find 使用同一份数据
func (h *handlers) radius(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := parseCoord(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rm, err := parseRadius(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.QueriesTotal.WithLabelValues("radius").Inc()
	snap := h.loc.Current()
	ms := snap.Within(lat, lon, rm)
	writeJSON(w, http.StatusOK, matchCollection(ms, map[string]any{
		"centro":       map[string]float64{"lat": lat, "lng": lon},
		"radio_metros": rm,
		"version":      snap.Version,
	}))
}

func (h *handlers) sectors(w http.ResponseWriter, r *http.Request) {
	ss, err := h.st.Sectors(r.Context())
	if err != nil {
		logger.L().Error("sectors_error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sectores": ss})
}

type writeResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Parcel  *Feature `json:"predio,omitempty"`
	ID      int64    `json:"id_predio,omitempty"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func validateInput(in *store.ParcelInput) error {
	in.Code = strings.TrimSpace(in.Code)
	in.Owner = strings.TrimSpace(in.Owner)
	switch {
	case in.Code == "":
		return errors.New("codigo_catastral required")
	case in.Owner == "":
		return errors.New("contribuyente_nombre required")
	case !locator.ValidCoord(in.Lat, in.Lon):
		return errBadCoord
	case in.Assessed < 0 || in.TaxAmount < 0 || in.ArbitriosAmount < 0 || in.Income < 0 || in.Persons < 0:
		return errBadNumber
	}
	return nil
}

func validatePatch(p *store.ParcelPatch) error {
	if (p.Lat == nil) != (p.Lon == nil) {
		return errors.New("latitud and longitud must be given together")
	}
	if p.Lat != nil && !locator.ValidCoord(*p.Lat, *p.Lon) {
		return errBadCoord
	}
	if p.Code != nil {
		if *p.Code = strings.TrimSpace(*p.Code); *p.Code == "" {
			return errors.New("codigo_catastral empty")
		}
	}
	if p.Owner != nil {
		if *p.Owner = strings.TrimSpace(*p.Owner); *p.Owner == "" {
			return errors.New("contribuyente_nombre empty")
		}
	}
	for _, v := range []*float64{p.Assessed, p.TaxAmount, p.ArbitriosAmount, p.Income} {
		if v != nil && *v < 0 {
			return errBadNumber
		}
	}
	if p.Persons != nil && *p.Persons < 0 {
		return errBadNumber
	}
	return nil
}

// reindex：写入已提交后立即重建索引；失败只记录，周期刷新会再次尝试
func (h *handlers) reindex(ctx context.Context, op string) {
	if h.cfg.Reindexer == nil {
		return
	}
	if err := h.cfg.Reindexer.RefreshNow(ctx); err != nil {
		logger.L().Warn("index_reindex_error", "op", op, "err", err)
	}
}

// writeStoreError：把存储层哨兵错误映射为状态码
func writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrParcelNotFound):
		metrics.ParcelWritesTotal.WithLabelValues(op, "not_found").Inc()
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, store.ErrDuplicateCode):
		metrics.ParcelWritesTotal.WithLabelValues(op, "conflict").Inc()
		writeError(w, http.StatusConflict, "duplicate codigo_catastral")
	default:
		metrics.ParcelWritesTotal.WithLabelValues(op, "error").Inc()
		logger.L().Error("parcel_write_error", "op", op, "err", err)
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request) {
	in := store.NewParcelInput()
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := validateInput(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.st.CreateParcel(r.Context(), in)
	if err != nil {
		writeStoreError(w, "create", err)
		return
	}
	metrics.ParcelWritesTotal.WithLabelValues("create", "ok").Inc()
	h.reindex(r.Context(), "create")
	f := parcelFeature(p)
	writeJSON(w, http.StatusCreated, writeResponse{Success: true, Message: "Predio creado exitosamente", Parcel: &f})
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (h *handlers) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var patch store.ParcelPatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if err := validatePatch(&patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.st.UpdateParcel(r.Context(), id, patch)
	if err != nil {
		writeStoreError(w, "update", err)
		return
	}
	metrics.ParcelWritesTotal.WithLabelValues("update", "ok").Inc()
	h.reindex(r.Context(), "update")
	f := parcelFeature(p)
	writeJSON(w, http.StatusOK, writeResponse{Success: true, Message: "Predio actualizado exitosamente", Parcel: &f})
}

func (h *handlers) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	code, err := h.st.DeleteParcel(r.Context(), id)
	if err != nil {
		writeStoreError(w, "delete", err)
		return
	}
	metrics.ParcelWritesTotal.WithLabelValues("delete", "ok").Inc()
	h.reindex(r.Context(), "delete")
	writeJSON(w, http.StatusOK, writeResponse{Success: true, Message: fmt.Sprintf("Predio %s eliminado exitosamente", code), ID: id})
}
