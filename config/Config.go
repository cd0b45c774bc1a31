package config

type StorageType string

const STORAGE_TYPE_REDIS StorageType = "redis"
const STORAGE_TYPE_SQLITE StorageType = "sqlite"

type Config struct {
	RedisConfig                RedisStorageConfig
	SqliteConfig               SqliteStorageConfig
	StorageType                StorageType
	CorrelationBatchSize       int
	CorrelationIntervalSeconds int
	WorkerCapacity             int
	QueuePartitions            int
	TimerWheelSizeSeconds      int64
	LogLevel                   string
}

type RedisStorageConfig struct {
	Addrs     []string
	Namespace string
}

type SqliteStorageConfig struct {
	Path string
}
