package supportdesk

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/real-rm/goconfig"
	"github.com/real-rm/golog"
	"github.com/real-rm/gomongo"
)

const rootTestDBName = "support_root_test"

var (
	rootMongoOnce   sync.Once
	rootMongoClient *gomongo.Mongo
	rootMongoLogger *golog.Logger
	rootMongoError  error
)

// getSharedRootMongoClient returns a shared MongoDB client for all root package tests.
// gomongo.InitMongoDB is a global singleton, so it is called exactly once.
func getSharedRootMongoClient(t *testing.T) (*gomongo.Mongo, *golog.Logger) {
	t.Helper()

	if testing.Short() || os.Getenv("SKIP_MONGO_TESTS") != "" {
		t.Skip("Skipping MongoDB-dependent test")
		return nil, nil
	}

	rootMongoOnce.Do(func() {
		mongoURI := os.Getenv("MONGO_URI")
		if mongoURI == "" {
			mongoURI = "mongodb://127.0.0.1:27017/" + rootTestDBName
		}

		configContent := fmt.Sprintf(`
[dbs]
verbose = 1
slowThreshold = 2

[dbs.%s]
uri = "%s"
`, rootTestDBName, mongoURI)

		tmpFile, err := os.CreateTemp("", "supportdesk_root_*.toml")
		if err != nil {
			rootMongoError = fmt.Errorf("failed to create temp config: %w", err)
			return
		}
		defer tmpFile.Close()

		if _, err = tmpFile.WriteString(configContent); err != nil {
			rootMongoError = fmt.Errorf("failed to write config: %w", err)
			return
		}

		os.Setenv("RMBASE_FILE_CFG", tmpFile.Name())
		goconfig.ResetConfig()
		if err = goconfig.LoadConfig(); err != nil {
			rootMongoError = fmt.Errorf("failed to load config: %w", err)
			return
		}

		configAccessor, err := goconfig.Default()
		if err != nil {
			rootMongoError = fmt.Errorf("failed to get config: %w", err)
			return
		}

		rootMongoLogger, err = golog.InitLog(golog.LogConfig{
			Level:          "error",
			StandardOutput: false,
			Dir:            os.TempDir(),
		})
		if err != nil {
			rootMongoError = fmt.Errorf("failed to init logger: %w", err)
			return
		}

		rootMongoClient, err = gomongo.InitMongoDB(rootMongoLogger, configAccessor)
		if err != nil {
			rootMongoError = fmt.Errorf("MongoDB not available: %w", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rootMongoClient.Coll(rootTestDBName, "test_connection").Ping(ctx); err != nil {
			rootMongoError = fmt.Errorf("MongoDB not reachable: %w", err)
		}

		// LoadConfig is a no-op once loaded, so reset for tests that load their own file
		goconfig.ResetConfig()
	})

	if rootMongoError != nil {
		t.Skipf("Skipping MongoDB test: %v", rootMongoError)
		return nil, nil
	}
	return rootMongoClient, rootMongoLogger
}
