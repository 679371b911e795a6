package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/blues/payrecon/internal/config"
	"github.com/blues/payrecon/internal/logger"
	"github.com/segmentio/kafka-go"
)

// Notifier 通知投递
type Notifier interface {
	Notify(ctx context.Context, userId int64, message, kind string) error
	Close() error
}

// New 按配置创建通知投递
func New(cfg config.NotifyConfig) (Notifier, error) {
	switch cfg.Driver {
	case "", "log":
		return LogNotifier{}, nil
	case "kafka":
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("kafka notifier requires at least one broker")
		}
		return NewKafkaNotifier(cfg.Brokers, cfg.Topic), nil
	default:
		return nil, fmt.Errorf("unsupported notify driver: %s", cfg.Driver)
	}
}

// LogNotifier 只写日志，用于本地开发
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userId int64, message, kind string) error {
	logger.Info("Notify user %d [%s]: %s", userId, kind, message)
	return nil
}

func (LogNotifier) Close() error {
	return nil
}

// Event 写入 kafka 的通知事件
type Event struct {
	UserId  int64     `json:"userId"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sentAt"`
}

// KafkaNotifier 将通知写入 kafka，由下游服务负责邮件或推送
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier 创建 kafka 通知投递
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
	}
}

// Notify 以用户ID作为消息键，同一用户的通知保持顺序
func (k *KafkaNotifier) Notify(ctx context.Context, userId int64, message, kind string) error {
	value, err := json.Marshal(Event{UserId: userId, Kind: kind, Message: message, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(userId, 10)),
		Value: value,
	})
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
