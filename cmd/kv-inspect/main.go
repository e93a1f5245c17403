// kv-inspect lists the keys of one namespace of the postgres KV table
// without going through the service, for manual reconciliation of
// dead-lettered jobs and stuck anchors.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/lib/pq"

	"attest-backend/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file (default config.local.yaml or config.yaml)")
		dsn        = flag.String("dsn", "", "postgres DSN, overrides database.dsn")
		namespace  = flag.String("ns", "dead", "namespace: receipt | queue | confirmation | lock | dead, or a raw key prefix")
		limit      = flag.Int("limit", 100, "max keys to list")
		showValue  = flag.Bool("values", false, "print stored values")
		expired    = flag.Bool("expired", false, "include expired entries")
	)
	flag.Parse()

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.AppConfig
	if *dsn == "" {
		*dsn = cfg.Database.DSN
	}
	if *dsn == "" {
		log.Fatal("No DSN: set database.dsn or pass -dsn")
	}

	prefix := resolvePrefix(cfg.Storage.Prefixes, *namespace)

	db, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}

	query := `SELECT kv_key, kv_value, expires_at FROM kv_entries
		WHERE substr(kv_key, 1, $1) = $2`
	if !*expired {
		query += ` AND (expires_at IS NULL OR expires_at > now())`
	}
	query += ` ORDER BY kv_key LIMIT $3`

	rows, err := db.Query(query, len(prefix), prefix, *limit)
	if err != nil {
		log.Fatalf("Failed to query kv_entries: %v", err)
	}
	defer rows.Close()

	fmt.Printf("📋 Namespace %q\n", prefix)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tEXPIRES\tVALUE")

	count := 0
	for rows.Next() {
		var (
			key       string
			value     []byte
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			log.Fatalf("Failed to scan row: %v", err)
		}
		expires := "never"
		if expiresAt.Valid {
			expires = expiresAt.Time.UTC().Format(time.RFC3339)
			if expiresAt.Time.Before(time.Now()) {
				expires += " (expired)"
			}
		}
		shown := fmt.Sprintf("%d bytes", len(value))
		if *showValue {
			shown = string(value)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", strings.TrimPrefix(key, prefix), expires, shown)
		count++
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("Failed to read rows: %v", err)
	}
	w.Flush()
	fmt.Printf("✅ %d keys\n", count)
}

func resolvePrefix(p config.PrefixesConfig, ns string) string {
	switch ns {
	case "receipt":
		return p.Receipt
	case "queue":
		return p.Queue
	case "confirmation":
		return p.Confirmation
	case "lock":
		return p.Lock
	case "dead":
		return p.DeadLetter
	default:
		return ns
	}
}
