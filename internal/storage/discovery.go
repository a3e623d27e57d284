package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiscoverDatabase locates the workspace database, .vigil/*.db in the
// current directory, and returns it as an absolute path.
//
// Only the current directory is checked, never parents. Walking up the tree
// risks attaching to an outer project's monitor database when a workspace is
// nested inside another checkout.
//
// VIGIL_DB_PATH is checked first to allow test isolation and explicit
// overrides. If set, it is used directly without discovery.
func DiscoverDatabase() (string, error) {
	if dbPath := os.Getenv("VIGIL_DB_PATH"); dbPath != "" {
		// Used verbatim, so ":memory:" works here too
		return dbPath, nil
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	return discoverDatabaseInDir(dir)
}

// discoverDatabaseInDir checks one directory's .vigil/ for a *.db file,
// never walking up the tree.
func discoverDatabaseInDir(dir string) (string, error) {
	vigilDir := filepath.Join(dir, ".vigil")

	if info, err := os.Stat(vigilDir); err == nil && info.IsDir() {
		entries, err := os.ReadDir(vigilDir)
		if err == nil {
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
					continue
				}
				// Rotated archives keep a .db.<timestamp> suffix and are
				// skipped by the suffix check above; plain .db files win.
				dbPath := filepath.Join(vigilDir, entry.Name())
				absPath, err := filepath.Abs(dbPath)
				if err != nil {
					return "", fmt.Errorf("failed to get absolute path: %w", err)
				}
				return absPath, nil
			}
		}
	}

	return "", fmt.Errorf(
		"no .vigil/*.db found in %s\n"+
			"  The store is created on the first 'vigil start'\n"+
			"  Or set VIGIL_DB_PATH to specify the database path explicitly",
		dir)
}

// GetWorkspaceRoot returns the workspace root directory for a given database
// path. The workspace root is the directory containing the .vigil/ directory.
//
// Example:
//
//	dbPath: /home/user/myagent/.vigil/vigil.db
//	returns: /home/user/myagent
func GetWorkspaceRoot(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	dbDir := filepath.Dir(absPath)

	if filepath.Base(dbDir) != ".vigil" {
		return "", fmt.Errorf(
			"database must be in a .vigil/ directory, got: %s",
			dbPath)
	}

	return filepath.Dir(dbDir), nil
}

// ValidateAlignment ensures database and working directory are in the same
// workspace. This prevents scenarios where vigil reads incidents from one
// workspace but runs repair commands against a different one.
func ValidateAlignment(dbPath, workingDir string) error {
	workspaceRoot, err := GetWorkspaceRoot(dbPath)
	if err != nil {
		return fmt.Errorf("invalid database path: %w", err)
	}

	absWorkingDir, err := filepath.Abs(workingDir)
	if err != nil {
		return fmt.Errorf("invalid working directory: %w", err)
	}

	// Working directory must be at or below workspace root so vigil can be
	// run from subdirectories.
	if !isAtOrBelow(absWorkingDir, workspaceRoot) {
		return fmt.Errorf(
			"database-working directory mismatch:\n"+
				"  database: %s\n"+
				"  workspace root: %s\n"+
				"  working directory: %s\n"+
				"\n"+
				"The database and working directory must be in the same workspace.\n"+
				"Either:\n"+
				"  - cd %s && vigil ...\n"+
				"  - Set VIGIL_DB_PATH to the correct database for this directory",
			dbPath, workspaceRoot, absWorkingDir, workspaceRoot)
	}

	return nil
}

// isAtOrBelow reports whether path equals root or sits somewhere inside it.
func isAtOrBelow(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)

	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// InitWorkspace creates a new .vigil directory ready to hold the database.
// Returns the path the database should be created at. The database itself
// is created on first connection.
func InitWorkspace(workspaceDir, dbName string) (string, error) {
	if _, err := os.Stat(workspaceDir); os.IsNotExist(err) {
		return "", fmt.Errorf("workspace directory does not exist: %s", workspaceDir)
	}

	vigilDir := filepath.Join(workspaceDir, ".vigil")
	if err := os.MkdirAll(vigilDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create .vigil directory: %w", err)
	}

	if dbName == "" {
		dbName = "vigil.db"
	}
	if !strings.HasSuffix(dbName, ".db") {
		dbName += ".db"
	}

	dbPath := filepath.Join(vigilDir, dbName)

	if _, err := os.Stat(dbPath); err == nil {
		return "", fmt.Errorf("database already exists: %s", dbPath)
	}

	return dbPath, nil
}
