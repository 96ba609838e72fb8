package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type (
	// Client configures cmd/client.
	Client struct {
		ServerURL    string        `envconfig:"SERVER_URL" default:"http://localhost:9090"`
		RealtimeURL  string        `envconfig:"REALTIME_URL" default:"ws://localhost:9090/realtime"`
		DataDir      string        `envconfig:"DATA_DIR" default:".movemsg"`
		PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
		Dev          bool          `envconfig:"DEV" default:"true"`
	}

	// Server configures cmd/server, the reference backend.
	Server struct {
		Addr          string        `envconfig:"ADDR" default:"localhost:9090"`
		MongoURI      string        `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
		MongoDatabase string        `envconfig:"MONGO_DB" default:"movemsg"`
		RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
		UploadDir     string        `envconfig:"UPLOAD_DIR" default:"uploads"`
		SendPerMinute int           `envconfig:"SEND_PER_MINUTE" default:"30"`
		OfflineTTL    time.Duration `envconfig:"OFFLINE_TTL" default:"72h"`
		Dev           bool          `envconfig:"DEV" default:"true"`
	}
)

func LoadClient() (*Client, error) {
	var c Client
	if err := envconfig.Process("movemsg", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func LoadServer() (*Server, error) {
	var c Server
	if err := envconfig.Process("movemsg", &c); err != nil {
		return nil, err
	}
	return &c, nil
}
