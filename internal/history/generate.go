package history

// schema.sql is the migrated schema, kept for review and ad hoc queries
// against history.db. Regenerate after adding a migration:
//   go generate ./internal/history

//go:generate sh -c "cd ../.. && go run internal/history/tools/generate_schema.go"
