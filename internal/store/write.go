package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"predios-api/internal/logger"
	"strings"

	"github.com/lib/pq"
)

// ErrDuplicateCode：codigo_catastral 已被其他地块占用
var ErrDuplicateCode = errors.New("store: duplicate cadastral code")

// ParcelInput：新建地块（含业主与税目）
type ParcelInput struct {
	Lat             float64 `json:"latitud"`
	Lon             float64 `json:"longitud"`
	Code            string  `json:"codigo_catastral"`
	Sector          string  `json:"sector"`
	HousingType     string  `json:"tipo_vivienda"`
	Assessed        float64 `json:"autovaluo"`
	HouseNumber     string  `json:"numero_vivienda"`
	Owner           string  `json:"contribuyente_nombre"`
	TaxAmount       float64 `json:"monto_impuesto"`
	TaxPaid         bool    `json:"pago_impuesto"`
	ArbitriosAmount float64 `json:"monto_arbitrios"`
	ArbitriosPaid   bool    `json:"pago_arbitrios"`
	Income          float64 `json:"ingreso_familiar"`
	Persons         int     `json:"cantidad_personas"`
}

// NewParcelInput：带默认值的输入，供解码前预填
func NewParcelInput() ParcelInput {
	return ParcelInput{Sector: "Jayllihuaya", HousingType: "Rústica", Persons: 1}
}

// ParcelPatch：部分更新，nil 字段保持不变；坐标需成对提供
type ParcelPatch struct {
	Code            *string  `json:"codigo_catastral"`
	Sector          *string  `json:"sector"`
	HousingType     *string  `json:"tipo_vivienda"`
	Assessed        *float64 `json:"autovaluo"`
	HouseNumber     *string  `json:"numero_vivienda"`
	Owner           *string  `json:"contribuyente_nombre"`
	TaxAmount       *float64 `json:"monto_impuesto"`
	TaxPaid         *bool    `json:"pago_impuesto"`
	ArbitriosAmount *float64 `json:"monto_arbitrios"`
	ArbitriosPaid   *bool    `json:"pago_arbitrios"`
	Income          *float64 `json:"ingreso_familiar"`
	Persons         *int     `json:"cantidad_personas"`
	Lat             *float64 `json:"latitud"`
	Lon             *float64 `json:"longitud"`
}

// setList：动态 UPDATE 的 SET 子句，占位符按追加顺序编号
type setList struct {
	cols []string
	args []any
}

func (s *setList) add(col string, v any) {
	s.args = append(s.args, v)
	s.cols = append(s.cols, fmt.Sprintf("%s=$%d", col, len(s.args)))
}

func (s *setList) empty() bool { return len(s.cols) == 0 }

// sql 生成 UPDATE 语句，末尾占位符为主键
func (s *setList) sql(table string, id int64) (string, []any) {
	args := append(s.args, id)
	return fmt.Sprintf("UPDATE %s SET %s, updated_at=now() WHERE id_predio=$%d",
		table, strings.Join(s.cols, ", "), len(args)), args
}

func (p ParcelPatch) parcelSet() *setList {
	s := &setList{}
	if p.Code != nil {
		s.add("codigo_catastral", *p.Code)
	}
	if p.Sector != nil {
		s.add("sector", *p.Sector)
	}
	if p.HousingType != nil {
		s.add("tipo_vivienda", *p.HousingType)
	}
	if p.Assessed != nil {
		s.add("autovaluo", *p.Assessed)
	}
	if p.HouseNumber != nil {
		s.add("numero_vivienda", *p.HouseNumber)
	}
	if p.Lat != nil && p.Lon != nil {
		s.add("latitud", *p.Lat)
		s.add("longitud", *p.Lon)
	}
	return s
}

func (p ParcelPatch) taxSet() *setList {
	s := &setList{}
	if p.TaxAmount != nil {
		s.add("monto_impuesto", *p.TaxAmount)
	}
	if p.TaxPaid != nil {
		s.add("pago_impuesto", *p.TaxPaid)
	}
	if p.ArbitriosAmount != nil {
		s.add("monto_arbitrios", *p.ArbitriosAmount)
	}
	if p.ArbitriosPaid != nil {
		s.add("pago_arbitrios", *p.ArbitriosPaid)
	}
	if p.Income != nil {
		s.add("ingreso_familiar", *p.Income)
	}
	if p.Persons != nil {
		s.add("cantidad_personas", *p.Persons)
	}
	return s
}

// isUniqueViolation：23505 unique_violation
func isUniqueViolation(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == "23505"
}

const upsertOwnerSQL = `INSERT INTO contribuyentes(nombres) VALUES($1)
	ON CONFLICT (nombres) DO UPDATE SET nombres=EXCLUDED.nombres RETURNING id_contribuyente`

// 文档注释：新建地块、业主（按姓名复用）与税目
// 约束：单事务；编码已存在返回 ErrDuplicateCode（包括并发插入触发的唯一约束冲突）。
func (s *Store) CreateParcel(ctx context.Context, in ParcelInput) (Parcel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Parcel{}, err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM predios WHERE codigo_catastral=$1)`, in.Code).Scan(&exists); err != nil {
		return Parcel{}, fmt.Errorf("create parcel: %w", err)
	}
	if exists {
		return Parcel{}, ErrDuplicateCode
	}
	var ownerID int64
	if err := tx.QueryRowContext(ctx, upsertOwnerSQL, in.Owner).Scan(&ownerID); err != nil {
		return Parcel{}, fmt.Errorf("create parcel owner: %w", err)
	}
	var id int64
	err = tx.QueryRowContext(ctx, `INSERT INTO predios(codigo_catastral, latitud, longitud, sector, tipo_vivienda, autovaluo, numero_vivienda)
		VALUES($1,$2,$3,$4,$5,$6,$7) RETURNING id_predio`,
		in.Code, in.Lat, in.Lon, in.Sector, in.HousingType, in.Assessed, in.HouseNumber).Scan(&id)
	if isUniqueViolation(err) {
		return Parcel{}, ErrDuplicateCode
	}
	if err != nil {
		return Parcel{}, fmt.Errorf("create parcel: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tributos(id_predio, id_contribuyente, monto_impuesto, pago_impuesto,
			monto_arbitrios, pago_arbitrios, ingreso_familiar, cantidad_personas)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, ownerID, in.TaxAmount, in.TaxPaid, in.ArbitriosAmount, in.ArbitriosPaid, in.Income, in.Persons); err != nil {
		return Parcel{}, fmt.Errorf("create parcel tax: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Parcel{}, err
	}
	logger.L().Info("parcel_created", "id", id, "code", in.Code)
	return s.GetParcel(ctx, id)
}

// 文档注释：部分更新地块
// 约束：单事务；任何改动都刷新 updated_at，使索引指纹变化。
// 修改业主姓名时把税目改挂到该姓名对应的业主（不存在则新建），不改写被其他地块共享的业主记录。
func (s *Store) UpdateParcel(ctx context.Context, id int64, p ParcelPatch) (Parcel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Parcel{}, err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM predios WHERE id_predio=$1 FOR UPDATE`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return Parcel{}, ErrParcelNotFound
	}
	if err != nil {
		return Parcel{}, fmt.Errorf("update parcel %d: %w", id, err)
	}

	if ps := p.parcelSet(); !ps.empty() {
		q, args := ps.sql("predios", id)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			if isUniqueViolation(err) {
				return Parcel{}, ErrDuplicateCode
			}
			return Parcel{}, fmt.Errorf("update parcel %d: %w", id, err)
		}
	}
	ts := p.taxSet()
	if p.Owner != nil {
		var ownerID int64
		if err := tx.QueryRowContext(ctx, upsertOwnerSQL, *p.Owner).Scan(&ownerID); err != nil {
			return Parcel{}, fmt.Errorf("update parcel owner: %w", err)
		}
		ts.add("id_contribuyente", ownerID)
	}
	if !ts.empty() {
		q, args := ts.sql("tributos", id)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return Parcel{}, fmt.Errorf("update parcel tax %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Parcel{}, err
	}
	logger.L().Info("parcel_updated", "id", id)
	return s.GetParcel(ctx, id)
}

// DeleteParcel：删除地块（税目级联删除，业主保留），返回其编码
func (s *Store) DeleteParcel(ctx context.Context, id int64) (string, error) {
	var code string
	err := s.db.QueryRowContext(ctx, `DELETE FROM predios WHERE id_predio=$1 RETURNING codigo_catastral`, id).Scan(&code)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrParcelNotFound
	}
	if err != nil {
		return "", fmt.Errorf("delete parcel %d: %w", id, err)
	}
	logger.L().Info("parcel_deleted", "id", id, "code", code)
	return code, nil
}
