// 包 store：PostgreSQL 数据访问层，为空间索引提供地块点集与变更指纹
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"predios-api/internal/logger"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// ErrParcelNotFound：按主键查询地块未命中
var ErrParcelNotFound = errors.New("store: parcel not found")

// Store：持有连接池
type Store struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) DB() *sql.DB { return s.db }

// Parcel：地块记录（predios_completo 一行），Lat/Lon 为 WGS84
type Parcel struct {
	ID           int64   `json:"id_predio"`
	Code         string  `json:"codigo_catastral"`
	Owner        string  `json:"contribuyente"`
	Sector       string  `json:"sector"`
	HousingType  string  `json:"tipo_vivienda"`
	HouseNumber  string  `json:"numero_vivienda"`
	Assessed     float64 `json:"autovaluo"`
	Lat          float64 `json:"latitud"`
	Lon          float64 `json:"longitud"`
	Debt         float64 `json:"deuda_total"`
	PaymentState string  `json:"estado_pago"`
}

// Fingerprint：点集变更指纹，行数或最近更新时间变化即视为需要重建
type Fingerprint struct {
	Count     int64
	UpdatedAt time.Time
}

const parcelColumns = `id_predio, codigo_catastral, contribuyente, sector, tipo_vivienda, numero_vivienda,
	autovaluo::float8, latitud, longitud, deuda_total::float8, estado_pago`

type scanner interface {
	Scan(dest ...any) error
}

func scanParcel(r scanner) (Parcel, error) {
	var p Parcel
	err := r.Scan(&p.ID, &p.Code, &p.Owner, &p.Sector, &p.HousingType, &p.HouseNumber,
		&p.Assessed, &p.Lat, &p.Lon, &p.Debt, &p.PaymentState)
	return p, err
}

// LoadParcels：按主键顺序读取全部地块；顺序稳定便于重建结果可复现
func (s *Store) LoadParcels(ctx context.Context) ([]Parcel, error) {
	out, err := s.queryParcels(ctx, `SELECT `+parcelColumns+` FROM predios_completo ORDER BY id_predio`)
	if err != nil {
		return nil, fmt.Errorf("load parcels: %w", err)
	}
	logger.L().Debug("db_parcels_loaded", "count", len(out))
	return out, nil
}

func (s *Store) queryParcels(ctx context.Context, q string, args ...any) ([]Parcel, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan parcel: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParcelFilter：列表筛选条件，零值字段不参与过滤
type ParcelFilter struct {
	State   string
	DebtMin *float64
	DebtMax *float64
	Sector  string
}

// 文档注释：按条件列出地块，欠款从高到低
// 约束：State 精确匹配（调用方负责大写化）；Sector 为不区分大小写的子串匹配。
func (s *Store) ListParcels(ctx context.Context, f ParcelFilter) ([]Parcel, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.State != "" {
		add("estado_pago = $%d", f.State)
	}
	if f.DebtMin != nil {
		add("deuda_total >= $%d", *f.DebtMin)
	}
	if f.DebtMax != nil {
		add("deuda_total <= $%d", *f.DebtMax)
	}
	if f.Sector != "" {
		add(`sector ILIKE $%d ESCAPE '\'`, "%"+escapeLike(f.Sector)+"%")
	}
	q := `SELECT ` + parcelColumns + ` FROM predios_completo`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY deuda_total DESC, id_predio`
	out, err := s.queryParcels(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list parcels: %w", err)
	}
	return out, nil
}

// SearchByOwner：按业主姓名子串检索（不区分大小写）
func (s *Store) SearchByOwner(ctx context.Context, name string) ([]Parcel, error) {
	out, err := s.queryParcels(ctx, `SELECT `+parcelColumns+` FROM predios_completo
		WHERE contribuyente ILIKE $1 ESCAPE '\' ORDER BY contribuyente, id_predio`, "%"+escapeLike(name)+"%")
	if err != nil {
		return nil, fmt.Errorf("search owner: %w", err)
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// Fingerprint：读取行数与最大更新时间
func (s *Store) Fingerprint(ctx context.Context) (Fingerprint, error) {
	var fp Fingerprint
	var ts sql.NullTime
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1), MAX(updated_at) FROM predios_completo`)
	if err := row.Scan(&fp.Count, &ts); err != nil {
		return fp, fmt.Errorf("fingerprint: %w", err)
	}
	if ts.Valid {
		fp.UpdatedAt = ts.Time
	}
	return fp, nil
}

// GetParcel：按主键读取单个地块，未命中返回 ErrParcelNotFound
func (s *Store) GetParcel(ctx context.Context, id int64) (Parcel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+parcelColumns+` FROM predios_completo WHERE id_predio=$1`, id)
	p, err := scanParcel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Parcel{}, ErrParcelNotFound
	}
	if err != nil {
		return Parcel{}, fmt.Errorf("get parcel %d: %w", id, err)
	}
	return p, nil
}

// Ping：健康检查
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
