package storage

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
	"go.mongodb.org/mongo-driver/bson"
)

const testDBName = "support_test"

var (
	sharedMongoClient *gomongo.Mongo
	sharedLogger      *golog.Logger
	mongoInitOnce     sync.Once
	mongoInitError    error
)

// getSharedMongoClient initialises gomongo once per test binary; gomongo
// refuses a second initialisation.
func getSharedMongoClient(t *testing.T) (*gomongo.Mongo, *golog.Logger) {
	mongoInitOnce.Do(func() {
		if os.Getenv("SKIP_MONGO_TESTS") != "" {
			mongoInitError = fmt.Errorf("SKIP_MONGO_TESTS is set")
			return
		}

		mongoURI := os.Getenv("MONGO_URI")
		if mongoURI == "" {
			mongoURI = "mongodb://127.0.0.1:27017/support_test"
		}

		configContent := fmt.Sprintf(`
[dbs]
verbose = 1
slowThreshold = 2

[dbs.%s]
uri = "%s"
`, testDBName, mongoURI)

		tmpFile, err := os.CreateTemp("", "supportdesk_storage_*.toml")
		if err != nil {
			mongoInitError = fmt.Errorf("failed to create temp config: %w", err)
			return
		}
		defer tmpFile.Close()

		if _, err := tmpFile.WriteString(configContent); err != nil {
			mongoInitError = fmt.Errorf("failed to write config: %w", err)
			return
		}

		os.Setenv("RMBASE_FILE_CFG", tmpFile.Name())
		goconfig.ResetConfig()
		if err := goconfig.LoadConfig(); err != nil {
			mongoInitError = fmt.Errorf("failed to load config: %w", err)
			return
		}

		configAccessor, err := goconfig.Default()
		if err != nil {
			mongoInitError = fmt.Errorf("failed to get config accessor: %w", err)
			return
		}

		sharedLogger, err = golog.InitLog(golog.LogConfig{
			Level:          "error",
			StandardOutput: true,
			Dir:            os.TempDir(),
		})
		if err != nil {
			mongoInitError = fmt.Errorf("failed to initialize logger: %w", err)
			return
		}

		sharedMongoClient, err = gomongo.InitMongoDB(sharedLogger, configAccessor)
		if err != nil {
			mongoInitError = fmt.Errorf("failed to initialize MongoDB: %w", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sharedMongoClient.Coll(testDBName, "test_connection").Ping(ctx); err != nil {
			mongoInitError = fmt.Errorf("failed to verify connection: %w", err)
		}
	})

	if mongoInitError != nil {
		t.Skipf("Skipping MongoDB tests: %v", mongoInitError)
		return nil, nil
	}
	return sharedMongoClient, sharedLogger
}

// setupTestService returns a service on emptied collections
func setupTestService(t *testing.T) *Service {
	t.Helper()
	client, logger := getSharedMongoClient(t)
	svc := NewService(client, testDBName, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, coll := range []*gomongo.MongoCollection{svc.conversations, svc.messages, svc.links, svc.activity} {
		if _, err := coll.DeleteMany(ctx, bson.M{}); err != nil {
			t.Fatalf("failed to reset collection: %v", err)
		}
	}
	if err := svc.EnsureIndexes(ctx); err != nil {
		t.Fatalf("failed to ensure indexes: %v", err)
	}
	return svc
}
