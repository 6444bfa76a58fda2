// 数据导入工具：读取调查 JSON（户数组）并写入 contribuyentes / predios / tributos
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"predios-api/internal/ingest"
	"predios-api/internal/logger"
	"predios-api/internal/migrate"
	"predios-api/internal/utils"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	src := flag.String("file", "data.json", "household survey JSON")
	sector := flag.String("sector", "Jayllihuaya", "sector assigned to imported parcels")
	flag.Parse()
	l := logger.Setup()
	ctx := context.Background()

	f, err := os.Open(*src)
	if err != nil {
		l.Error("seed_open_error", "file", *src, "err", err)
		os.Exit(1)
	}
	defer f.Close()
	hs, err := ingest.DecodeHouseholds(f)
	if err != nil {
		l.Error("seed_decode_error", "err", err)
		os.Exit(1)
	}
	l.Info("seed_read", "households", len(hs))

	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := migrate.EnsureSchema(ctx, db); err != nil {
		l.Error("schema_error", "err", err)
		os.Exit(1)
	}
	res, err := ingest.ImportHouseholds(ctx, db, hs, *sector)
	if err != nil {
		l.Error("seed_import_error", "err", err)
		os.Exit(1)
	}
	l.Info("seed_done", "parcels", res.Parcels, "skipped", res.Skipped, "conflicts", res.Conflicts)
}
