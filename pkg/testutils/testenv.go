package testutils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MinioEndpoint describes a running MinIO test container
type MinioEndpoint struct {
	Endpoint  string
	AccessKey string
	SecretKey string
}

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

var (
	redisOnce sync.Once
	natsOnce  sync.Once
	minioOnce sync.Once

	// Shared clients
	redisClient *redis.Client
	natsConn    *nats.Conn
	jetStream   nats.JetStreamContext
	minioEnv    MinioEndpoint

	redisErr error
	natsErr  error
	minioErr error

	// Container references (for cleanup)
	mu         sync.Mutex
	containers []testcontainers.Container
)

// GetRedis returns a shared Redis client backed by a container, flushed
// before every call
func GetRedis(ctx context.Context) (*redis.Client, error) {
	redisOnce.Do(func() {
		redisClient, redisErr = startRedis(ctx)
	})
	if redisErr != nil {
		return nil, fmt.Errorf("failed to initialize redis: %w", redisErr)
	}
	if err := redisClient.FlushAll(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to flush Redis: %w", err)
	}
	return redisClient, nil
}

// GetJetStream returns a shared NATS connection with JetStream enabled
func GetJetStream(ctx context.Context) (*nats.Conn, nats.JetStreamContext, error) {
	natsOnce.Do(func() {
		natsConn, jetStream, natsErr = startNATS(ctx)
	})
	if natsErr != nil {
		return nil, nil, fmt.Errorf("failed to initialize nats: %w", natsErr)
	}
	return natsConn, jetStream, nil
}

// GetMinio returns the endpoint of a shared MinIO container
func GetMinio(ctx context.Context) (MinioEndpoint, error) {
	minioOnce.Do(func() {
		minioEnv, minioErr = startMinio(ctx)
	})
	if minioErr != nil {
		return MinioEndpoint{}, fmt.Errorf("failed to initialize minio: %w", minioErr)
	}
	return minioEnv, nil
}

// CleanupTestEnvironment should be called from TestMain after all tests
func CleanupTestEnvironment() {
	ctx := context.Background()
	if natsConn != nil {
		natsConn.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	mu.Lock()
	defer mu.Unlock()
	for _, c := range containers {
		_ = c.Terminate(ctx)
	}
	containers = nil
}

func track(c testcontainers.Container) {
	mu.Lock()
	containers = append(containers, c)
	mu.Unlock()
}

func startRedis(ctx context.Context) (*redis.Client, error) {
	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7"))
	if err != nil {
		return nil, fmt.Errorf("failed to start Redis: %w", err)
	}
	track(redisC)

	port, err := redisC.MappedPort(ctx, "6379/tcp")
	addr, err := hostAddr(ctx, redisC, port, err)
	if err != nil {
		return nil, err
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rc.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return rc, nil
}

func startNATS(ctx context.Context) (*nats.Conn, nats.JetStreamContext, error) {
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"-js", "-sd", "/data/jetstream"},
			Tmpfs:        map[string]string{"/data/jetstream": "rw"},
			WaitingFor:   wait.ForLog("Listening for client connections").WithStartupTimeout(10 * time.Second),
		},
		Started: true,
	}
	natsC, err := testcontainers.GenericContainer(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start NATS: %w", err)
	}
	track(natsC)

	port, err := natsC.MappedPort(ctx, "4222/tcp")
	addr, err := hostAddr(ctx, natsC, port, err)
	if err != nil {
		return nil, nil, err
	}
	nc, err := nats.Connect("nats://" + addr)
	if err != nil {
		return nil, nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

func startMinio(ctx context.Context) (MinioEndpoint, error) {
	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	}
	minioC, err := testcontainers.GenericContainer(ctx, req)
	if err != nil {
		return MinioEndpoint{}, fmt.Errorf("failed to start MinIO: %w", err)
	}
	track(minioC)

	port, err := minioC.MappedPort(ctx, "9000/tcp")
	addr, err := hostAddr(ctx, minioC, port, err)
	if err != nil {
		return MinioEndpoint{}, err
	}
	return MinioEndpoint{Endpoint: addr, AccessKey: minioUser, SecretKey: minioPassword}, nil
}

// portMapper is satisfied by the nat.Port returned from MappedPort
type portMapper interface {
	Port() string
}

func hostAddr(ctx context.Context, c testcontainers.Container, port portMapper, err error) (string, error) {
	if err != nil {
		return "", err
	}
	host, err := c.Host(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", host, port.Port()), nil
}

// GetTestKeyValueStore creates a fresh KeyValue store for a test
func GetTestKeyValueStore(js nats.JetStreamContext, testName string) (nats.KeyValue, error) {
	// Sanitize test name for use as bucket name
	bucketName := "test_kv_" + strings.NewReplacer("/", "_", " ", "_").Replace(testName)

	// NATS has limits on bucket name length and format
	if len(bucketName) > 64 {
		bucketName = bucketName[:64]
	}

	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucketName})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			kv, err = js.KeyValue(bucketName)
			if err != nil {
				return nil, err
			}
			// Delete all keys to start fresh
			keys, _ := kv.Keys()
			for _, k := range keys {
				_ = kv.Delete(k)
			}
			return kv, nil
		}
		return nil, err
	}
	return kv, nil
}
