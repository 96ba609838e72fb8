package main

import (
	"context"
	"time"

	"movemsg/internal/config"
	convRepo "movemsg/internal/repository/conversation"
	keysRepo "movemsg/internal/repository/keys"
	msgRepo "movemsg/internal/repository/message"
	redisSvc "movemsg/internal/service/redis"
	"movemsg/internal/service/server"
	"movemsg/internal/utils/log"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServer()
	if err != nil {
		panic(err)
	}
	if err := log.Init(cfg.Dev); err != nil {
		panic(err)
	}
	defer log.Sync()

	mongoDBClient, err := initMongo(cfg.MongoURI)
	if err != nil {
		log.Fatal("mongo connect failed", zap.Error(err))
	}
	db := mongoDBClient.Database(cfg.MongoDatabase)

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})

	s := server.NewHttpServer(
		cfg,
		keysRepo.NewRepo(db),
		convRepo.NewRepo(db),
		msgRepo.NewRepo(db),
		redisSvc.NewRedis(rdb),
	)
	if err := s.Run(); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
