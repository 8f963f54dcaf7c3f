package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hollowb/antigravity-bridge/internal/config"
	"github.com/hollowb/antigravity-bridge/internal/utils"

	_ "modernc.org/sqlite" // pure-Go driver, no cgo
)

// AuthStatusData is the login record the Antigravity editor keeps in
// its state database.
type AuthStatusData struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// GetAuthStatus reads the editor's auth status. An empty dbPath uses
// the platform default location.
func GetAuthStatus(dbPath string) (*AuthStatusData, error) {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s; make sure Antigravity is installed and you are logged in", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no auth status found in database")
	}
	if err != nil {
		return nil, fmt.Errorf("query database: %w", err)
	}

	var authData AuthStatusData
	if err := json.Unmarshal([]byte(value), &authData); err != nil {
		return nil, fmt.Errorf("parse auth data: %w", err)
	}
	if authData.APIKey == "" {
		return nil, fmt.Errorf("auth data missing apiKey field")
	}
	return &authData, nil
}

// IsDatabaseAccessible reports whether the editor database can be
// opened read-only.
func IsDatabaseAccessible(dbPath string) bool {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		utils.Debug("[Database] Failed to open: %v", err)
		return false
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		utils.Debug("[Database] Failed to ping: %v", err)
		return false
	}
	return true
}

// ReadLocalDBToken reads the current access token from the local editor
// database for accounts enrolled with the local-db source.
func ReadLocalDBToken(ctx context.Context) (string, error) {
	data, err := GetAuthStatus("")
	if err != nil {
		return "", err
	}
	utils.Debug("[Database] Extracted token for %s", utils.MaskEmail(data.Email))
	return data.APIKey, nil
}
