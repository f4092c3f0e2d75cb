package intentqueue

import (
	"encoding/binary"
	"errors"
	"os"
	"strconv"
	"time"
)

var errInvalidPackedData = errors.New("invalid packed data")

const packHeaderSize = 10

type packArgs struct {
	data      []byte
	deadline  float64
	timestamp time.Time
	iteration uint16
}

// packData returns score and packed data into a byte slice that can be stored in Redis.
// The score is the deadline.
// The format is (note that ':' is used only in the docs and not present in the actual data):
// iteration(2 bytes):timestamp(8 bytes):data
//
// Among equal deadlines fresh items come before retried ones, older submissions first.
func packData(a packArgs) (float64, []byte) {
	value := make([]byte, packHeaderSize+len(a.data))
	binary.BigEndian.PutUint16(value[0:2], a.iteration)
	binary.BigEndian.PutUint64(value[2:10], uint64(a.timestamp.UnixNano()))
	copy(value[packHeaderSize:], a.data)
	return a.deadline, value
}

// unpackData unpacks the data from the byte slice returned by packData.
func unpackData(score float64, packedData []byte) (packArgs, error) {
	if len(packedData) < packHeaderSize {
		return packArgs{}, errInvalidPackedData
	}
	return packArgs{
		data:      packedData[packHeaderSize:],
		deadline:  score,
		timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(packedData[2:10]))),
		iteration: binary.BigEndian.Uint16(packedData[0:2]),
	}, nil
}

// InstanceQueueName names the queue of one submitter instance. Queues are not
// shared: an instance only collects the intents it admitted itself.
func InstanceQueueName(prefix, instance string) string {
	return prefix + ":intents:" + instance
}

type RedisQueueConfig struct {
	MaxQueued      uint64
	MaxBatch       int64
	MaxRetries     uint16
	RequeueTimeout time.Duration
}

var DefaultQueueConfig = RedisQueueConfig{
	MaxQueued:      4096,
	MaxBatch:       256,
	MaxRetries:     30,
	RequeueTimeout: 4 * time.Second,
}

// ConfigFromEnv loads `intentqueue` config from environment.
// - `INTENTQUEUE_MAX_QUEUED`
// - `INTENTQUEUE_MAX_BATCH`
// - `INTENTQUEUE_MAX_RETRIES`
// - `INTENTQUEUE_REQUEUE_TIMEOUT_MS`
func ConfigFromEnv() (RedisQueueConfig, error) {
	config := DefaultQueueConfig

	if val := os.Getenv("INTENTQUEUE_MAX_QUEUED"); val != "" {
		maxQueued, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxQueued = maxQueued
	}
	if val := os.Getenv("INTENTQUEUE_MAX_BATCH"); val != "" {
		maxBatch, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return config, err
		}
		config.MaxBatch = maxBatch
	}
	if val := os.Getenv("INTENTQUEUE_MAX_RETRIES"); val != "" {
		maxRetries, err := strconv.ParseUint(val, 10, 16)
		if err != nil {
			return config, err
		}
		config.MaxRetries = uint16(maxRetries)
	}
	if val := os.Getenv("INTENTQUEUE_REQUEUE_TIMEOUT_MS"); val != "" {
		timeoutMs, err := strconv.Atoi(val)
		if err != nil {
			return config, err
		}
		config.RequeueTimeout = time.Duration(timeoutMs) * time.Millisecond
	}

	return config, nil
}
