package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"strings"

	"stablepay-backend/internal/config"
	"stablepay-backend/internal/db"

	_ "github.com/lib/pq"
)

// Checks the postgres connection and the payments table layout. Uses
// database/sql with lib/pq so it works before the server has migrated.
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	migrate := flag.Bool("migrate", false, "run the schema migration when the payments table is missing")
	flag.Parse()

	fmt.Println("🔍 Verifying database connection...")
	fmt.Println(strings.Repeat("=", 60))

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	dbCfg := config.AppConfig.Database
	if dbCfg.DSN == "" {
		log.Fatalf("No database DSN configured (database.dsn or DATABASE_DSN)")
	}

	sqlDB, err := sql.Open("postgres", dbCfg.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	var dbName string
	if err := sqlDB.QueryRow("SELECT current_database()").Scan(&dbName); err != nil {
		log.Fatalf("Failed to get database name: %v", err)
	}
	fmt.Printf("📋 Connected to database: %s\n", dbName)

	rows, err := sqlDB.Query(`
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = 'payments'
		ORDER BY ordinal_position
	`)
	if err != nil {
		log.Fatalf("Failed to inspect payments table: %v", err)
	}
	defer rows.Close()

	columns := 0
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			log.Fatalf("Failed to read column: %v", err)
		}
		fmt.Printf("   %-24s %s\n", name, dataType)
		columns++
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("Failed to read columns: %v", err)
	}

	if columns > 0 {
		var count int64
		if err := sqlDB.QueryRow("SELECT COUNT(*) FROM payments").Scan(&count); err == nil {
			fmt.Printf("✅ payments table present, %d rows\n", count)
		}
		return
	}

	fmt.Println("❌ payments table does not exist")
	if !*migrate {
		fmt.Println("   rerun with -migrate to create it")
		return
	}

	if _, err := db.InitDB(dbCfg); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	defer db.Close()
	fmt.Println("✅ payments table created")
}
