package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"predios-api/internal/logger"
)

// 约束：全部语句幂等（IF NOT EXISTS / OR REPLACE）；坐标以经纬度列保存，不依赖 PostGIS
var stmts = []string{
	`CREATE TABLE IF NOT EXISTS contribuyentes (
		id_contribuyente SERIAL PRIMARY KEY,
		nombres TEXT NOT NULL UNIQUE,
		dni TEXT,
		telefono TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS predios (
		id_predio SERIAL PRIMARY KEY,
		codigo_catastral TEXT NOT NULL UNIQUE,
		latitud DOUBLE PRECISION NOT NULL,
		longitud DOUBLE PRECISION NOT NULL,
		sector TEXT NOT NULL DEFAULT '',
		tipo_vivienda TEXT NOT NULL DEFAULT '',
		numero_vivienda TEXT NOT NULL DEFAULT '',
		autovaluo NUMERIC(14,2) NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tributos (
		id_tributo SERIAL PRIMARY KEY,
		id_predio INT NOT NULL UNIQUE REFERENCES predios(id_predio) ON DELETE CASCADE,
		id_contribuyente INT REFERENCES contribuyentes(id_contribuyente),
		monto_impuesto NUMERIC(12,2) NOT NULL DEFAULT 0,
		pago_impuesto BOOLEAN NOT NULL DEFAULT FALSE,
		monto_arbitrios NUMERIC(12,2) NOT NULL DEFAULT 0,
		pago_arbitrios BOOLEAN NOT NULL DEFAULT FALSE,
		ingreso_familiar NUMERIC(12,2),
		cantidad_personas INT,
		deuda_total NUMERIC(12,2) GENERATED ALWAYS AS (
			(CASE WHEN pago_impuesto THEN 0 ELSE monto_impuesto END) +
			(CASE WHEN pago_arbitrios THEN 0 ELSE monto_arbitrios END)
		) STORED,
		estado_pago TEXT GENERATED ALWAYS AS (
			CASE WHEN pago_impuesto AND pago_arbitrios THEN 'AL_DIA' ELSE 'MOROSO' END
		) STORED,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_predios_updated_at ON predios(updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tributos_estado ON tributos(estado_pago)`,
	`CREATE OR REPLACE VIEW predios_completo AS
		SELECT p.id_predio,
			p.codigo_catastral,
			p.latitud,
			p.longitud,
			p.sector,
			p.tipo_vivienda,
			p.numero_vivienda,
			p.autovaluo,
			COALESCE(c.nombres, '') AS contribuyente,
			COALESCE(t.deuda_total, 0) AS deuda_total,
			COALESCE(t.estado_pago, 'SIN_TRIBUTO') AS estado_pago,
			GREATEST(p.updated_at, COALESCE(t.updated_at, p.updated_at)) AS updated_at
		FROM predios p
		LEFT JOIN tributos t ON t.id_predio = p.id_predio
		LEFT JOIN contribuyentes c ON c.id_contribuyente = t.id_contribuyente`,
}

// EnsureSchema：首次运行创建predios/tributos/contribuyentes 及 predios_completo 视图
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("schema stmt %d: %w", i, err)
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
