package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"predios-api/internal/logger"
	"strings"
)

// Household：调查数据中的一户；源数据把经度放在 altitud 字段
type Household struct {
	ID              string   `json:"id_hogar"`
	Lat             *float64 `json:"latitud"`
	Lon             *float64 `json:"altitud"`
	Owner           string   `json:"propietario"`
	HousingType     string   `json:"tipo_vivienda"`
	HouseNumber     any      `json:"numero_vivienda"`
	Income          float64  `json:"ingreso_familiar"`
	Persons         *int     `json:"cantidad_personas"`
	TaxAmount       float64  `json:"monto_impuesto"`
	TaxPaid         bool     `json:"pago_impuesto"`
	ArbitriosAmount float64  `json:"monto_arbitrios"`
	ArbitriosPaid   bool     `json:"pago_arbitrios"`
}

// parcelRow：写入 predios / tributos 的归一化行
type parcelRow struct {
	Code        string
	Lat, Lon    float64
	Sector      string
	HousingType string
	HouseNumber string
	Assessed    float64
	Owner       string
}

// ImportResult：导入统计；Conflicts 为补号与文件内真实编号冲突而跳过的户
type ImportResult struct {
	Parcels   int
	Skipped   int
	Conflicts int
}

// fallbackPrefix：缺编号时的补号前缀，与调查数据的 HOG 编号分属不同命名空间
const fallbackPrefix = "SN-"

// DecodeHouseholds：解析调查 JSON 数组
func DecodeHouseholds(r io.Reader) ([]Household, error) {
	var hs []Household
	if err := json.NewDecoder(r).Decode(&hs); err != nil {
		return nil, fmt.Errorf("decode households: %w", err)
	}
	return hs, nil
}

// normalize：补默认编码与业主，自评估价按家庭收入 x50 估算；无坐标返回 false
func normalize(h Household, idx int, sector string) (parcelRow, bool) {
	if h.Lat == nil || h.Lon == nil {
		return parcelRow{}, false
	}
	row := parcelRow{
		Code:        strings.TrimSpace(h.ID),
		Lat:         *h.Lat,
		Lon:         *h.Lon,
		Sector:      sector,
		HousingType: h.HousingType,
		Assessed:    h.Income * 50,
		Owner:       strings.TrimSpace(h.Owner),
	}
	if row.Code == "" {
		row.Code = fmt.Sprintf("%s%04d", fallbackPrefix, idx)
	}
	if row.Owner == "" {
		row.Owner = "Desconocido"
	}
	if row.HousingType == "" {
		row.HousingType = "Desconocido"
	}
	if h.HouseNumber != nil {
		row.HouseNumber = fmt.Sprint(h.HouseNumber)
	}
	return row, true
}

type plannedRow struct {
	parcelRow
	h Household
}

// planImport：归一化全部户并剔除无坐标与补号冲突的行
// 约束：补号只在行缺编号时生成；若与同文件中任一真实编号相同则跳过，避免 UPSERT 覆盖真实地块。
func planImport(hs []Household, sector string) ([]plannedRow, ImportResult) {
	var res ImportResult
	explicit := make(map[string]struct{}, len(hs))
	for _, h := range hs {
		if id := strings.TrimSpace(h.ID); id != "" {
			explicit[id] = struct{}{}
		}
	}
	l := logger.L()
	out := make([]plannedRow, 0, len(hs))
	for i, h := range hs {
		row, ok := normalize(h, i+1, sector)
		if !ok {
			res.Skipped++
			if res.Skipped <= 5 {
				l.Warn("household_no_coords", "id", h.ID)
			}
			continue
		}
		if strings.TrimSpace(h.ID) == "" {
			if _, taken := explicit[row.Code]; taken {
				res.Conflicts++
				l.Warn("household_fallback_code_conflict", "code", row.Code, "idx", i+1)
				continue
			}
		}
		out = append(out, plannedRow{parcelRow: row, h: h})
	}
	return out, res
}

// 文档注释：调查数据批量写库
// 约束：单事务完成，任一语句失败整体回滚；以 codigo_catastral / nombres / id_predio 为冲突键 UPSERT，重复导入幂等。
// 无坐标的户计入 Skipped，补号冲突计入 Conflicts，均不写库。
func ImportHouseholds(ctx context.Context, db *sql.DB, hs []Household, sector string) (ImportResult, error) {
	rows, res := planImport(hs, sector)
	l := logger.L()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	stmtOwner, err := tx.PrepareContext(ctx, `INSERT INTO contribuyentes(nombres) VALUES($1)
		ON CONFLICT (nombres) DO UPDATE SET nombres=EXCLUDED.nombres RETURNING id_contribuyente`)
	if err != nil {
		return res, err
	}
	defer stmtOwner.Close()
	stmtParcel, err := tx.PrepareContext(ctx, `INSERT INTO predios(codigo_catastral, latitud, longitud, sector, tipo_vivienda, numero_vivienda, autovaluo)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (codigo_catastral) DO UPDATE SET latitud=EXCLUDED.latitud, longitud=EXCLUDED.longitud,
			sector=EXCLUDED.sector, tipo_vivienda=EXCLUDED.tipo_vivienda, numero_vivienda=EXCLUDED.numero_vivienda,
			autovaluo=EXCLUDED.autovaluo, updated_at=now()
		RETURNING id_predio`)
	if err != nil {
		return res, err
	}
	defer stmtParcel.Close()
	stmtTax, err := tx.PrepareContext(ctx, `INSERT INTO tributos(id_predio, id_contribuyente, monto_impuesto, pago_impuesto,
			monto_arbitrios, pago_arbitrios, ingreso_familiar, cantidad_personas)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id_predio) DO UPDATE SET id_contribuyente=EXCLUDED.id_contribuyente,
			monto_impuesto=EXCLUDED.monto_impuesto, pago_impuesto=EXCLUDED.pago_impuesto,
			monto_arbitrios=EXCLUDED.monto_arbitrios, pago_arbitrios=EXCLUDED.pago_arbitrios,
			ingreso_familiar=EXCLUDED.ingreso_familiar, cantidad_personas=EXCLUDED.cantidad_personas,
			updated_at=now()`)
	if err != nil {
		return res, err
	}
	defer stmtTax.Close()

	owners := make(map[string]int64)
	for _, row := range rows {
		h := row.h
		ownerID, seen := owners[row.Owner]
		if !seen {
			if err := stmtOwner.QueryRowContext(ctx, row.Owner).Scan(&ownerID); err != nil {
				return res, fmt.Errorf("owner %q: %w", row.Owner, err)
			}
			owners[row.Owner] = ownerID
		}
		var parcelID int64
		if err := stmtParcel.QueryRowContext(ctx, row.Code, row.Lat, row.Lon, row.Sector, row.HousingType,
			row.HouseNumber, row.Assessed).Scan(&parcelID); err != nil {
			return res, fmt.Errorf("parcel %s: %w", row.Code, err)
		}
		var persons sql.NullInt64
		if h.Persons != nil {
			persons = sql.NullInt64{Int64: int64(*h.Persons), Valid: true}
		}
		if _, err := stmtTax.ExecContext(ctx, parcelID, ownerID, h.TaxAmount, h.TaxPaid,
			h.ArbitriosAmount, h.ArbitriosPaid, h.Income, persons); err != nil {
			return res, fmt.Errorf("tax %s: %w", row.Code, err)
		}
		res.Parcels++
		if res.Parcels%500 == 0 {
			l.Debug("household_import_progress", "parcels", res.Parcels)
		}
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	l.Info("household_import_done", "parcels", res.Parcels, "skipped", res.Skipped, "conflicts", res.Conflicts, "owners", len(owners))
	return res, nil
}
