package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"predios-api/internal/logger"
)

// 缴纳状态取值
const (
	StateUpToDate   = "AL_DIA"
	StateDelinquent = "MOROSO"
	StateExempt     = "EXONERADO"
)

// Stats：全局统计，结构与前端看板一致
type Stats struct {
	Summary        StatsSummary           `json:"resumen"`
	ByState        map[string]StateTotals `json:"distribucion_estado"`
	CriticalSector CriticalSector         `json:"sector_critico"`
	Indicators     Indicators             `json:"indicadores"`
}

type StatsSummary struct {
	Parcels     int64   `json:"total_predios"`
	Taxpayers   int64   `json:"total_contribuyentes"`
	DebtOverdue float64 `json:"deuda_total_municipal"`
	AvgIncome   float64 `json:"promedio_ingreso_familiar"`
	Compliance  float64 `json:"porcentaje_cumplimiento"`
}

type StateTotals struct {
	Count int64   `json:"cantidad"`
	Debt  float64 `json:"deuda_total"`
}

// CriticalSector：欠款总额最高的片区；无欠款时 Name 为 nil
type CriticalSector struct {
	Name       *string `json:"nombre"`
	Delinquent int64   `json:"cantidad_morosos"`
	Debt       float64 `json:"deuda_total"`
}

type Indicators struct {
	Delinquent int64 `json:"morosos"`
	UpToDate   int64 `json:"al_dia"`
	Exempt     int64 `json:"exonerados"`
}

// SectorStats：单个片区的统计
type SectorStats struct {
	Sector         string  `json:"sector"`
	Parcels        int64   `json:"total_predios"`
	Delinquent     int64   `json:"morosos"`
	UpToDate       int64   `json:"al_dia"`
	Debt           float64 `json:"deuda_total"`
	DelinquencyPct float64 `json:"porcentaje_morosidad"`
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// summarize：由分状态计数推导汇总字段；总纳税人数只计 AL_DIA / MOROSO / EXONERADO 三类
func summarize(st *Stats) {
	st.Indicators = Indicators{
		Delinquent: st.ByState[StateDelinquent].Count,
		UpToDate:   st.ByState[StateUpToDate].Count,
		Exempt:     st.ByState[StateExempt].Count,
	}
	total := st.Indicators.Delinquent + st.Indicators.UpToDate + st.Indicators.Exempt
	st.Summary.Taxpayers = total
	st.Summary.DebtOverdue = round2(st.ByState[StateDelinquent].Debt)
	st.Summary.AvgIncome = round2(st.Summary.AvgIncome)
	if total > 0 {
		st.Summary.Compliance = round2(float64(st.Indicators.UpToDate) / float64(total) * 100)
	}
}

// 文档注释：全局统计
// 约束：四条只读查询不在同一事务内，并发写入时各项之间可能存在瞬时不一致。
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByState: map[string]StateTotals{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM predios`).Scan(&st.Summary.Parcels); err != nil {
		return st, fmt.Errorf("stats total: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT estado_pago, COUNT(1), COALESCE(SUM(deuda_total), 0)::float8
		FROM tributos GROUP BY estado_pago`)
	if err != nil {
		return st, fmt.Errorf("stats by state: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var t StateTotals
		if err := rows.Scan(&state, &t.Count, &t.Debt); err != nil {
			return st, fmt.Errorf("stats by state: %w", err)
		}
		st.ByState[state] = t
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("stats by state: %w", err)
	}

	var name string
	err = s.db.QueryRowContext(ctx, `SELECT p.sector, COUNT(1), COALESCE(SUM(t.deuda_total), 0)::float8
		FROM predios p JOIN tributos t ON t.id_predio = p.id_predio
		WHERE t.estado_pago = 'MOROSO'
		GROUP BY p.sector ORDER BY 3 DESC LIMIT 1`).Scan(&name, &st.CriticalSector.Delinquent, &st.CriticalSector.Debt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return st, fmt.Errorf("stats critical sector: %w", err)
	default:
		st.CriticalSector.Name = &name
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(ingreso_familiar), 0)::float8
		FROM tributos WHERE ingreso_familiar IS NOT NULL`).Scan(&st.Summary.AvgIncome); err != nil {
		return st, fmt.Errorf("stats income: %w", err)
	}
	summarize(&st)
	logger.L().Debug("stats_totals", "parcels", st.Summary.Parcels, "delinquent", st.Indicators.Delinquent)
	return st, nil
}

// Sectors：按片区聚合，欠款从高到低
func (s *Store) Sectors(ctx context.Context) ([]SectorStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT p.sector,
			COUNT(1),
			COUNT(1) FILTER (WHERE t.estado_pago = 'MOROSO'),
			COUNT(1) FILTER (WHERE t.estado_pago = 'AL_DIA'),
			COALESCE(SUM(t.deuda_total) FILTER (WHERE t.estado_pago = 'MOROSO'), 0)::float8
		FROM predios p LEFT JOIN tributos t ON t.id_predio = p.id_predio
		GROUP BY p.sector ORDER BY 5 DESC, 1`)
	if err != nil {
		return nil, fmt.Errorf("sectors: %w", err)
	}
	defer rows.Close()
	out := []SectorStats{}
	for rows.Next() {
		var ss SectorStats
		if err := rows.Scan(&ss.Sector, &ss.Parcels, &ss.Delinquent, &ss.UpToDate, &ss.Debt); err != nil {
			return nil, fmt.Errorf("sectors: %w", err)
		}
		if ss.Parcels > 0 {
			ss.DelinquencyPct = round2(float64(ss.Delinquent) / float64(ss.Parcels) * 100)
		}
		out = append(out, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sectors: %w", err)
	}
	return out, nil
}
